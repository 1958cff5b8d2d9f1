package circulars

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
state_path: /var/lib/noticewatch/state.db
interval: 5m
verify_every: 12
listing:
  url: https://www.example-school.it/circolari?as={school_year}&page={page0}
  pages: 2
sink:
  type: telegram
  telegram:
    chat_id: "@circolari"
delivery:
  post_delay: 2s
`

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestParseConfig_DefaultsAndOverrides(t *testing.T) {
	// WHAT: file values win over defaults; unset keys get defaults.
	cfg, err := ParseConfig([]byte(sampleYAML), env(map[string]string{
		EnvTelegramToken: "123:abc",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Interval != 5*time.Minute || cfg.VerifyEvery != 12 {
		t.Errorf("interval/verify_every: %v / %d", cfg.Interval, cfg.VerifyEvery)
	}
	if cfg.Delivery.PostDelay != 2*time.Second || cfg.Delivery.ReconnectDelay != time.Minute {
		t.Errorf("delivery: %+v", cfg.Delivery)
	}
	if cfg.VerifyWindow != 50 || cfg.PayloadDelay != 3*time.Second {
		t.Errorf("window/payload delay: %d / %v", cfg.VerifyWindow, cfg.PayloadDelay)
	}
	if cfg.Listing.Pages != 2 || cfg.Listing.SchoolYearStartMonth != 9 {
		t.Errorf("listing: %+v", cfg.Listing)
	}
	if cfg.Listing.Selectors.Row == "" || cfg.Templates.New == "" {
		t.Error("default selectors or templates missing")
	}
	if cfg.Sink.Telegram.Token != "123:abc" {
		t.Errorf("token from env: %q", cfg.Sink.Telegram.Token)
	}
	if cfg.Fetch.UserAgent != "noticewatch/"+Version {
		t.Errorf("user agent: %q", cfg.Fetch.UserAgent)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing url":      "sink: {type: stdout}\n",
		"bad scheme":       "listing: {url: 'ftp://x/{page}'}\nsink: {type: stdout}\n",
		"telegram no auth": "listing: {url: 'https://x/'}\n",
		"unknown sink":     "listing: {url: 'https://x/'}\nsink: {type: carrier-pigeon}\n",
		"bad month":        "listing: {url: 'https://x/', school_year_start_month: 13}\nsink: {type: stdout}\n",
		"bad template":     "listing: {url: 'https://x/'}\nsink: {type: stdout}\ntemplates: {new: '{{.Nope'}\n",
		"short secret":     "listing: {url: 'https://x/'}\nsink: {type: webhook, webhook: {url: 'https://hook/', secret: short}}\n",
		"negative delay":   "listing: {url: 'https://x/'}\nsink: {type: stdout}\npayload_delay: -1s\n",
		"not yaml":         "listing: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc), env(nil))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParseConfig_ReportsEveryProblem(t *testing.T) {
	_, err := ParseConfig([]byte("listing: {pages: -1}\nsink: {type: stdout}\n"), env(nil))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"listing.url", "listing.pages"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConfig_ModsForceStdout(t *testing.T) {
	// WHAT: a mod applied at load time can switch to the terminal sink even
	// when the file has no chat credentials.
	path := filepath.Join(t.TempDir(), "noticewatch.yaml")
	if err := os.WriteFile(path, []byte("listing: {url: 'https://x/'}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, func(c *Config) { c.Sink.Type = "stdout" })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sink.Type != "stdout" {
		t.Errorf("sink type: %q", cfg.Sink.Type)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v", err)
	}
}
