package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// WebhookConfig configures the outbound webhook sink.
type WebhookConfig struct {
	// URL receives one JSON POST per notification.
	URL string `yaml:"url"`
	// Secret, when set, signs each body with HMAC-SHA256 in the
	// X-Signature-256 header ("sha256=<hex>").
	Secret string `yaml:"secret"`
	// Timeout bounds each POST. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// Validate checks required fields.
func (c WebhookConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook: url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook: invalid url %q", c.URL)
	}
	return nil
}

// WebhookPayload is the JSON body POSTed for each notification.
type WebhookPayload struct {
	Notification
	Markdown string `json:"markdown"`
}

// Webhook POSTs notifications as signed JSON.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client

	mu     sync.Mutex
	status Status
}

// NewWebhook creates a webhook sink. client may be nil.
func NewWebhook(cfg WebhookConfig, client *http.Client) (*Webhook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	return &Webhook{
		cfg:    cfg,
		client: client,
		status: Status{Platform: "webhook", Account: host},
	}, nil
}

// Platform returns "webhook".
func (w *Webhook) Platform() string { return "webhook" }

// Connect has nothing to establish: every delivery is its own request.
func (w *Webhook) Connect(context.Context) error {
	w.mu.Lock()
	w.status.Connected = true
	w.mu.Unlock()
	return nil
}

// Deliver POSTs n. Any non-2xx response is a failure.
func (w *Webhook) Deliver(ctx context.Context, n Notification) error {
	fail := func(err error) error {
		w.mu.Lock()
		w.status.Error = err.Error()
		w.mu.Unlock()
		return &ErrSendFailed{Sink: n.ID, Platform: "webhook", Cause: err}
	}

	md, err := Markdown(n.HTML)
	if err != nil {
		return fail(fmt.Errorf("markdown: %w", err))
	}
	body, err := json.Marshal(WebhookPayload{Notification: n, Markdown: md})
	if err != nil {
		return fail(fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Noticewatch-Event", n.Kind)
	req.Header.Set("X-Noticewatch-Delivery", n.ID)
	if w.cfg.Secret != "" {
		req.Header.Set("X-Signature-256", Sign([]byte(w.cfg.Secret), body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("POST: %w", err))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}

	w.mu.Lock()
	w.status.LastDelivery = time.Now()
	w.status.Error = ""
	w.mu.Unlock()
	return nil
}

// Sign returns the X-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. The "sha256=" prefix is
// optional.
func Verify(secret, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// Status returns the current connection status.
func (w *Webhook) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Close marks the sink disconnected.
func (w *Webhook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Connected = false
	return nil
}
