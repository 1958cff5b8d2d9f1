// Package listing turns the remote document listing into item records.
//
// A Source yields the items of one listing page in the order the page shows
// them. The HTML source extracts each field with its own selector and
// reports it as present or absent; missing display fields fall back to
// empty strings, and a row without an identity is dropped.
package listing

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/net/html"
)

// Item is one listed document.
type Item struct {
	Identity    string   // absolute URL, the fingerprint key
	Number      string   // reference number
	Title       string   // plain text
	Description string   // HTML fragment, sanitised at render time
	Date        string   // publication date as displayed
	Payloads    []string // absolute URLs, in page order
}

// Source yields the items of listing page page (1-based). An empty result
// with a nil error means the page has nothing on it.
type Source interface {
	FetchPage(ctx context.Context, page int) ([]Item, error)
}

// Fetcher retrieves a page body.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Selectors locate rows and fields. Field selectors are relative to a row.
type Selectors struct {
	Row          string `yaml:"row"`
	Identity     string `yaml:"identity"`
	IdentityAttr string `yaml:"identity_attr"`
	Number       string `yaml:"number"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`
	Date         string `yaml:"date"`
	// Payloads locates the binary documents of an item. Empty means the
	// identity URL itself is the only payload. When set and a row matches
	// none, the item has no payloads and is not fingerprinted that cycle.
	Payloads    string `yaml:"payloads"`
	PayloadAttr string `yaml:"payload_attr"`
}

// DefaultSelectors matches the Drupal "circolari" archive view.
func DefaultSelectors() Selectors {
	return Selectors{
		Row:          "div.view-circolari-archivio-new div.view-content tr",
		Identity:     "td.views-field-title > a",
		IdentityAttr: "href",
		Number:       "td.views-field-field-circolare-protocollo",
		Title:        "td.views-field-title > a",
		Description:  "td.views-field-title > p",
		Date:         "span.date-display-single",
		PayloadAttr:  "href",
	}
}

// fill copies defaults into unset fields.
func (s *Selectors) fill() {
	d := DefaultSelectors()
	if s.Row == "" {
		s.Row = d.Row
	}
	if s.Identity == "" {
		s.Identity = d.Identity
	}
	if s.IdentityAttr == "" {
		s.IdentityAttr = d.IdentityAttr
	}
	if s.PayloadAttr == "" {
		s.PayloadAttr = d.PayloadAttr
	}
}

type compiled struct {
	row, identity, number, title, description, date, payloads Selector
	identityAttr, payloadAttr                                  string
}

func (s Selectors) compile() (*compiled, error) {
	c := &compiled{identityAttr: s.IdentityAttr, payloadAttr: s.PayloadAttr}
	for _, f := range []struct {
		dst  *Selector
		src  string
		name string
	}{
		{&c.row, s.Row, "row"},
		{&c.identity, s.Identity, "identity"},
		{&c.number, s.Number, "number"},
		{&c.title, s.Title, "title"},
		{&c.description, s.Description, "description"},
		{&c.date, s.Date, "date"},
		{&c.payloads, s.Payloads, "payloads"},
	} {
		sel, err := Compile(f.src)
		if err != nil {
			return nil, fmt.Errorf("listing: %s selector: %w", f.name, err)
		}
		*f.dst = sel
	}
	return c, nil
}

// Config configures an HTMLSource.
type Config struct {
	URL                  string
	Selectors            Selectors
	SchoolYearStartMonth time.Month // default September
}

// HTMLSource reads listing pages as HTML.
type HTMLSource struct {
	cfg     Config
	sel     *compiled
	fetcher Fetcher
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an HTMLSource.
type Option func(*HTMLSource)

// WithClock sets the clock used for {school_year}.
func WithClock(now func() time.Time) Option {
	return func(s *HTMLSource) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *HTMLSource) { s.logger = l }
}

// NewHTMLSource validates the selectors and returns a Source.
func NewHTMLSource(cfg Config, f Fetcher, opts ...Option) (*HTMLSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("listing: url is required")
	}
	if cfg.SchoolYearStartMonth < time.January || cfg.SchoolYearStartMonth > time.December {
		cfg.SchoolYearStartMonth = time.September
	}
	cfg.Selectors.fill()
	sel, err := cfg.Selectors.compile()
	if err != nil {
		return nil, err
	}
	s := &HTMLSource{
		cfg:     cfg,
		sel:     sel,
		fetcher: f,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// PageURL returns the expanded URL of page.
func (s *HTMLSource) PageURL(page int) string {
	return ExpandURL(s.cfg.URL, page, s.now(), s.cfg.SchoolYearStartMonth)
}

// FetchPage fetches and parses one page.
func (s *HTMLSource) FetchPage(ctx context.Context, page int) ([]Item, error) {
	pageURL := s.PageURL(page)
	body, err := s.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("listing: page %d: %w", page, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("listing: page url: %w", err)
	}
	items, rows, err := s.parse(body, base)
	if err != nil {
		return nil, fmt.Errorf("listing: page %d: %w", page, err)
	}
	if rows == 0 {
		s.logger.Warn("listing: page yielded no rows, selectors may be stale",
			"page", page, "url", pageURL, "row_selector", s.sel.row.String())
	}
	return items, nil
}

// parse extracts the items of one page and reports how many rows matched.
func (s *HTMLSource) parse(body []byte, base *url.URL) ([]Item, int, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("parse html: %w", err)
	}
	rows := s.sel.row.All(doc)
	items := make([]Item, 0, len(rows))
	for i, row := range rows {
		it, ok := s.extract(row, base)
		if !ok {
			// Header rows and separators have no identity.
			s.logger.Debug("listing: row without identity skipped", "row", i)
			continue
		}
		items = append(items, it)
	}
	return items, len(rows), nil
}

func (s *HTMLSource) extract(row *html.Node, base *url.URL) (Item, bool) {
	id := urlField(s.sel.identity.First(row), s.sel.identityAttr, base)
	if !id.OK {
		return Item{}, false
	}
	it := Item{
		Identity:    id.Value,
		Number:      textField(row, s.sel.number).Or(""),
		Title:       textField(row, s.sel.title).Or(""),
		Description: innerHTMLField(row, s.sel.description).Or(""),
		Date:        textField(row, s.sel.date).Or(""),
	}
	if s.sel.payloads.Empty() {
		it.Payloads = []string{id.Value}
		return it, true
	}
	for _, n := range s.sel.payloads.All(row) {
		if p := urlField(n, s.sel.payloadAttr, base); p.OK {
			it.Payloads = append(it.Payloads, p.Value)
		}
	}
	return it, true
}
