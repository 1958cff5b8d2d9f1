package channels

import (
	"io"
	"net/http"
)

// Config selects and configures a sink.
type Config struct {
	Type     string         `yaml:"type"` // telegram (default), webhook, stdout
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// Validate checks the section of the selected sink.
func (c Config) Validate() error {
	switch c.Type {
	case "", "telegram":
		return c.Telegram.Validate()
	case "webhook":
		return c.Webhook.Validate()
	case "stdout":
		return nil
	}
	return &ErrUnknownSink{Type: c.Type}
}

// Option customises New.
type Option func(*options)

type options struct {
	client *http.Client
	out    io.Writer
}

// WithHTTPClient sets the client used by HTTP sinks.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithOutput sets the writer of the stdout sink.
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// New builds the sink selected by cfg.Type.
func New(cfg Config, opts ...Option) (Sink, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	switch cfg.Type {
	case "", "telegram":
		return NewTelegram(cfg.Telegram, o.client)
	case "webhook":
		return NewWebhook(cfg.Webhook, o.client)
	case "stdout":
		return NewWriter(o.out), nil
	}
	return nil, &ErrUnknownSink{Type: cfg.Type}
}
