package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/noticewatch/horosafe"
)

// TelegramConfig configures the Telegram Bot API sink.
type TelegramConfig struct {
	// Token is the bot API token (from @BotFather). Prefer the
	// NOTICEWATCH_TELEGRAM_TOKEN environment variable over the file.
	Token string `yaml:"token"`
	// ChatID is the target chat or channel ("-100…" or "@channelname").
	// The bot must be allowed to post there.
	ChatID string `yaml:"chat_id"`
	// APIURL overrides https://api.telegram.org (tests, local Bot API server).
	APIURL string `yaml:"api_url"`
	// Timeout bounds each API call. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *TelegramConfig) defaults() {
	if c.APIURL == "" {
		c.APIURL = "https://api.telegram.org"
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate checks required fields.
func (c TelegramConfig) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.ChatID == "" {
		return fmt.Errorf("telegram: chat_id is required")
	}
	return nil
}

// Telegram posts notifications with the Bot API sendMessage method.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client

	mu     sync.Mutex
	status Status
}

// NewTelegram creates a Telegram sink. client may be nil.
func NewTelegram(cfg TelegramConfig, client *http.Client) (*Telegram, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Telegram{
		cfg:    cfg,
		client: client,
		status: Status{Platform: "telegram"},
	}, nil
}

// Platform returns "telegram".
func (t *Telegram) Platform() string { return "telegram" }

// apiResponse is the envelope of every Bot API reply.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Connect checks the token with getMe.
func (t *Telegram) Connect(ctx context.Context) error {
	var me struct {
		Username string `json:"username"`
	}
	err := t.call(ctx, "getMe", nil, &me)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.status.Connected = false
		t.status.Error = err.Error()
		return &ErrSendFailed{Sink: "connect", Platform: "telegram", Cause: err}
	}
	t.status.Connected = true
	t.status.Account = me.Username
	t.status.Error = ""
	return nil
}

// Deliver sends n.HTML with parse_mode HTML. Link previews stay enabled:
// update links carry a cache-busting parameter so the preview refreshes.
func (t *Telegram) Deliver(ctx context.Context, n Notification) error {
	t.mu.Lock()
	connected := t.status.Connected
	t.mu.Unlock()
	if !connected {
		return &ErrSendFailed{Sink: n.ID, Platform: "telegram", Cause: ErrNotConnected}
	}

	req := map[string]any{
		"chat_id":    t.cfg.ChatID,
		"text":       n.HTML,
		"parse_mode": "HTML",
	}
	if err := t.call(ctx, "sendMessage", req, nil); err != nil {
		t.mu.Lock()
		t.status.Error = err.Error()
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			// Network-level failure: force a reconnect before the next try.
			t.status.Connected = false
		}
		t.mu.Unlock()
		return &ErrSendFailed{Sink: n.ID, Platform: "telegram", Cause: err}
	}

	t.mu.Lock()
	t.status.LastDelivery = time.Now()
	t.status.Error = ""
	t.mu.Unlock()
	return nil
}

func (t *Telegram) call(ctx context.Context, method string, params any, result any) error {
	endpoint := t.cfg.APIURL + "/bot" + t.cfg.Token + "/" + method

	var body bytes.Buffer
	if params != nil {
		if err := json.NewEncoder(&body).Encode(params); err != nil {
			return fmt.Errorf("%s: encode: %w", method, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("%s: new request: %w", method, t.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, t.redact(err))
	}
	defer resp.Body.Close()

	raw, err := horosafe.LimitedReadAll(resp.Body, 1<<20)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("%s: http %d: decode response: %w", method, resp.StatusCode, err)
	}
	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return fmt.Errorf("%s: %w", method, &APIError{
			Code:        code,
			Description: ar.Description,
			RetryAfter:  ar.Parameters.RetryAfter,
		})
	}
	if result != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from errors that embed the request URL.
func (t *Telegram) redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = strings.ReplaceAll(uerr.URL, t.cfg.Token, "<token>")
	}
	return err
}

// Status returns the current connection status.
func (t *Telegram) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Close marks the sink disconnected. The Bot API is stateless.
func (t *Telegram) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Connected = false
	return nil
}
