package circulars

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/noticewatch/channels"
	"github.com/hazyhaar/noticewatch/circulars/internal/listing"
	"github.com/hazyhaar/noticewatch/circulars/internal/render"
	"github.com/hazyhaar/noticewatch/horosafe"
)

// Version is reported in the default user agent.
const Version = "1.0"

// Selectors locate listing rows and their fields.
type Selectors = listing.Selectors

// Templates are the html/template sources of the notifications.
type Templates = render.Templates

// Config is the top-level noticewatch configuration.
type Config struct {
	StatePath         string        `yaml:"state_path"`
	JournalPath       string        `yaml:"journal_path"` // empty disables the journal
	Interval          time.Duration `yaml:"interval"`
	VerifyEvery       int64         `yaml:"verify_every"`
	VerifyWindow      int           `yaml:"verify_window"` // negative = every known item
	MaxItems          int           `yaml:"max_items"` // 0 = unbounded
	PayloadDelay      time.Duration `yaml:"payload_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// JournalRetentionDays prunes journal rows older than this on every
	// heartbeat. Negative keeps them forever.
	JournalRetentionDays int `yaml:"journal_retention_days"`

	Fetch     FetchConfig     `yaml:"fetch"`
	Listing   ListingConfig   `yaml:"listing"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Sink      channels.Config `yaml:"sink"`
	Templates Templates       `yaml:"templates"`
}

// FetchConfig controls HTTP requests to the listing site.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	UserAgent string        `yaml:"user_agent"`
}

// ListingConfig locates the listing and its pages.
type ListingConfig struct {
	// URL may contain {page}, {page0} and {school_year}.
	URL                  string    `yaml:"url"`
	Pages                int       `yaml:"pages"`
	SchoolYearStartMonth int       `yaml:"school_year_start_month"`
	Selectors            Selectors `yaml:"selectors"`
}

// DeliveryConfig controls pacing towards the sink.
type DeliveryConfig struct {
	PostDelay      time.Duration `yaml:"post_delay"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Environment variables that override secrets from the file.
const (
	EnvTelegramToken = "NOTICEWATCH_TELEGRAM_TOKEN"
	EnvTelegramChat  = "NOTICEWATCH_TELEGRAM_CHAT"
	EnvWebhookSecret = "NOTICEWATCH_WEBHOOK_SECRET"
)

// DefaultConfig returns a configuration with every default filled in and
// no listing URL or credentials.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.StatePath == "" {
		c.StatePath = "state.db"
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Minute
	}
	if c.VerifyEvery == 0 {
		c.VerifyEvery = 36
	}
	if c.VerifyWindow == 0 {
		c.VerifyWindow = 50
	}
	if c.PayloadDelay == 0 {
		c.PayloadDelay = 3 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.JournalRetentionDays == 0 {
		c.JournalRetentionDays = 90
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 50 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "noticewatch/" + Version
	}
	if c.Listing.Pages == 0 {
		c.Listing.Pages = 1
	}
	if c.Listing.SchoolYearStartMonth == 0 {
		c.Listing.SchoolYearStartMonth = int(time.September)
	}
	if c.Listing.Selectors == (Selectors{}) {
		c.Listing.Selectors = listing.DefaultSelectors()
	}
	if c.Delivery.PostDelay == 0 {
		c.Delivery.PostDelay = 5 * time.Second
	}
	if c.Delivery.RetryDelay == 0 {
		c.Delivery.RetryDelay = 5 * time.Second
	}
	if c.Delivery.ReconnectDelay == 0 {
		c.Delivery.ReconnectDelay = time.Minute
	}
	if c.Sink.Type == "" {
		c.Sink.Type = "telegram"
	}
	if c.Templates.New == "" || c.Templates.Update == "" {
		def := render.DefaultTemplates()
		if c.Templates.New == "" {
			c.Templates.New = def.New
		}
		if c.Templates.Update == "" {
			c.Templates.Update = def.Update
		}
	}
}

// LoadConfig reads a YAML file, applies environment overrides, then mods,
// then defaults, and validates the result.
func LoadConfig(path string, mods ...func(*Config)) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return ParseConfig(data, os.Getenv, mods...)
}

// ParseConfig is LoadConfig on bytes, with an injectable environment.
func ParseConfig(data []byte, getenv func(string) string, mods ...func(*Config)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalidConfig, err)
	}
	cfg.applyEnv(getenv)
	for _, m := range mods {
		m(&cfg)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := getenv(EnvTelegramToken); v != "" {
		c.Sink.Telegram.Token = v
	}
	if v := getenv(EnvTelegramChat); v != "" {
		c.Sink.Telegram.ChatID = v
	}
	if v := getenv(EnvWebhookSecret); v != "" {
		c.Sink.Webhook.Secret = v
	}
}

// Validate reports every problem found, joined, wrapped in
// ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Listing.URL == "" {
		add("listing.url is required")
	} else if u, err := url.Parse(strings.NewReplacer("{page}", "1", "{page0}", "0", "{school_year}", "2000-2001").Replace(c.Listing.URL)); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("listing.url %q is not an http(s) URL", c.Listing.URL)
	}
	if c.Listing.Pages < 1 {
		add("listing.pages must be at least 1")
	}
	if c.Listing.SchoolYearStartMonth < 1 || c.Listing.SchoolYearStartMonth > 12 {
		add("listing.school_year_start_month must be 1-12")
	}
	if c.Interval <= 0 {
		add("interval must be positive")
	}
	if c.VerifyEvery < 1 {
		add("verify_every must be at least 1")
	}
	if c.MaxItems < 0 {
		add("max_items must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"payload_delay":            c.PayloadDelay,
		"delivery.post_delay":      c.Delivery.PostDelay,
		"delivery.retry_delay":     c.Delivery.RetryDelay,
		"delivery.reconnect_delay": c.Delivery.ReconnectDelay,
	} {
		if d < 0 {
			add("%s must not be negative", name)
		}
	}
	if err := c.Sink.Validate(); err != nil {
		add("sink: %v", err)
	}
	if c.Sink.Type == "webhook" && c.Sink.Webhook.Secret != "" {
		if err := horosafe.ValidateSecret([]byte(c.Sink.Webhook.Secret)); err != nil {
			add("sink.webhook.secret: %v", err)
		}
	}
	if _, err := render.New(c.Templates); err != nil {
		add("templates: %v", err)
	}
	if _, err := listing.NewHTMLSource(listing.Config{URL: "http://x", Selectors: c.Listing.Selectors}, nil); err != nil {
		add("listing.selectors: %v", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
