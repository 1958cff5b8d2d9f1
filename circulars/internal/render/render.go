// Package render turns staged changes into notifications.
//
// Message bodies use Telegram's HTML subset. Templates are html/template
// sources, so titles and links are escaped by context; descriptions come
// from the listing markup and are sanitised down to the tags Telegram
// accepts before being inserted verbatim.
package render

import (
	"fmt"
	"html"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/noticewatch/channels"
	"github.com/hazyhaar/noticewatch/circulars/internal/detect"
	"github.com/hazyhaar/noticewatch/circulars/internal/store"
	"github.com/hazyhaar/noticewatch/idgen"
)

// Templates are html/template sources for the two notification kinds.
type Templates struct {
	New    string `yaml:"new"`
	Update string `yaml:"update"`
}

// DefaultTemplates returns the built-in English templates.
func DefaultTemplates() Templates {
	return Templates{
		New: `<b>Notice{{with .Number}} {{.}}{{end}}</b>{{with .Date}} of {{.}}{{end}}
{{.Title}}
{{with .Description}}{{.}}
{{end}}{{.Link}}{{with .Pages}} ({{.}} pages){{end}}`,
		Update: `<b>Update #{{.Update}} to notice{{with .Number}} {{.}}{{end}}</b>{{with .Date}} of {{.}}{{end}}
{{.Title}}
{{with .Description}}{{.}}
{{end}}{{.Link}}`,
	}
}

// Data is what templates see.
type Data struct {
	Number      string
	Title       string
	Date        string
	Description template.HTML // sanitised
	Link        string
	Identity    string
	Update      int
	Pages       int
}

// MaxDescription bounds the description length in runes. Longer
// descriptions are flattened to text and cut, keeping messages well under
// Telegram's 4096 character limit.
const MaxDescription = 1500

// Renderer renders notifications. Safe for concurrent use.
type Renderer struct {
	newT   *template.Template
	updT   *template.Template
	policy *bluemonday.Policy
	strict *bluemonday.Policy
	now    func() time.Time
	ids    idgen.Generator
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock sets the clock used for cache-busting links.
func WithClock(now func() time.Time) Option { return func(r *Renderer) { r.now = now } }

// WithIDGenerator sets the notification ID generator.
func WithIDGenerator(g idgen.Generator) Option { return func(r *Renderer) { r.ids = g } }

// New parses the templates. Empty templates take the defaults.
func New(t Templates, opts ...Option) (*Renderer, error) {
	def := DefaultTemplates()
	if t.New == "" {
		t.New = def.New
	}
	if t.Update == "" {
		t.Update = def.Update
	}
	newT, err := template.New("new").Option("missingkey=error").Parse(t.New)
	if err != nil {
		return nil, fmt.Errorf("render: new template: %w", err)
	}
	updT, err := template.New("update").Option("missingkey=error").Parse(t.Update)
	if err != nil {
		return nil, fmt.Errorf("render: update template: %w", err)
	}
	r := &Renderer{
		newT:   newT,
		updT:   updT,
		policy: TelegramPolicy(),
		strict: bluemonday.StrictPolicy(),
		now:    time.Now,
		ids:    idgen.Prefixed("msg_", idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// TelegramPolicy allows only the inline tags Telegram's HTML mode parses.
func TelegramPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "s", "code", "pre")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.RequireParseableURLs(true)
	return p
}

// Render builds the notification for c.
func (r *Renderer) Render(c detect.Change) (channels.Notification, error) {
	at := r.now()
	d := Data{
		Number:      c.Item.Number,
		Title:       c.Item.Title,
		Date:        c.Item.Date,
		Description: r.description(c.Item.Description),
		Link:        c.Item.Identity,
		Identity:    c.Item.Identity,
		Update:      c.Mutation.Updates,
		Pages:       c.Pages,
	}
	tmpl := r.newT
	if c.Kind() == store.Update {
		tmpl = r.updT
		d.Link = CacheBust(c.Item.Identity, at)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, d); err != nil {
		return channels.Notification{}, fmt.Errorf("render: %s %s: %w", c.Kind(), c.Item.Identity, err)
	}
	return channels.Notification{
		ID:       r.ids(),
		Kind:     c.Kind().String(),
		Identity: c.Item.Identity,
		Title:    c.Item.Title,
		Link:     d.Link,
		HTML:     strings.TrimSpace(b.String()),
		Update:   c.Mutation.Updates,
		Created:  at,
	}, nil
}

func (r *Renderer) description(raw string) template.HTML {
	clean := strings.TrimSpace(r.policy.Sanitize(raw))
	if utf8.RuneCountInString(clean) <= MaxDescription {
		return template.HTML(clean)
	}
	text := html.UnescapeString(r.strict.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > MaxDescription {
		text = string(runes[:MaxDescription]) + "…"
	}
	return template.HTML(template.HTMLEscapeString(text))
}

// CacheBust appends ts=<unix ms> to link so chat clients fetch a fresh
// preview of a document that changed behind the same URL.
func CacheBust(link string, at time.Time) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := u.Query()
	q.Set("ts", strconv.FormatInt(at.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}
