package listing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"
)

const archivePage = `<!DOCTYPE html>
<html><body>
<div class="view view-circolari-archivio-new">
 <div class="view-content">
  <table>
   <thead><tr><th>N.</th><th>Titolo</th><th>Data</th></tr></thead>
   <tbody>
    <tr>
     <td class="views-field views-field-field-circolare-protocollo"> 142 </td>
     <td class="views-field views-field-title">
       <a href="/circolari/142.pdf">Sciopero   del 20 ottobre</a>
       <p>Possibili <b>disservizi</b> <script>x()</script></p>
     </td>
     <td><span class="date-display-single">18/10/2025</span></td>
    </tr>
    <tr>
     <td class="views-field views-field-title">
       <a href="https://cdn.example.org/c/141.pdf">Uscita didattica</a>
     </td>
    </tr>
    <tr>
     <td class="views-field views-field-title"><a>no link</a></td>
    </tr>
   </tbody>
  </table>
 </div>
</div>
</body></html>`

type pageFetcher struct {
	pages map[string]string
	urls  []string
}

func (f *pageFetcher) Get(_ context.Context, u string) ([]byte, error) {
	f.urls = append(f.urls, u)
	body, ok := f.pages[u]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return []byte(body), nil
}

func fixedClock() time.Time { return time.Date(2025, time.October, 19, 9, 0, 0, 0, time.UTC) }

func TestFetchPage_ExtractsFields(t *testing.T) {
	// WHAT: rows become items with resolved URLs and per-field defaults.
	// WHY: the identity is the fingerprint key and must be stable.
	f := &pageFetcher{pages: map[string]string{
		"https://school.example/arc?as=2025-2026&p=0": archivePage,
	}}
	src, err := NewHTMLSource(Config{URL: "https://school.example/arc?as={school_year}&p={page0}"}, f,
		WithClock(fixedClock), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	if err != nil {
		t.Fatal(err)
	}

	items, err := src.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2 (%+v)", len(items), items)
	}

	first := items[0]
	if first.Identity != "https://school.example/circolari/142.pdf" {
		t.Errorf("identity: got %q", first.Identity)
	}
	if first.Number != "142" || first.Title != "Sciopero del 20 ottobre" || first.Date != "18/10/2025" {
		t.Errorf("fields: %+v", first)
	}
	if !strings.Contains(first.Description, "<b>disservizi</b>") {
		t.Errorf("description keeps markup: %q", first.Description)
	}
	if len(first.Payloads) != 1 || first.Payloads[0] != first.Identity {
		t.Errorf("payloads default to identity: %v", first.Payloads)
	}

	second := items[1]
	if second.Identity != "https://cdn.example.org/c/141.pdf" {
		t.Errorf("absolute identity: got %q", second.Identity)
	}
	if second.Number != "" || second.Date != "" || second.Description != "" {
		t.Errorf("absent fields must default to empty: %+v", second)
	}
}

func TestFetchPage_PayloadSelector(t *testing.T) {
	page := `<div class="list"><div class="row">
	  <a class="main" href="/n/7">Notice 7</a>
	  <ul><li><a class="att" href="a.pdf">a</a></li><li><a class="att" href="/files/b.pdf">b</a></li></ul>
	</div></div>`
	f := &pageFetcher{pages: map[string]string{"https://x.example/n/list/3": page}}
	src, err := NewHTMLSource(Config{
		URL: "https://x.example/n/list/{page}",
		Selectors: Selectors{
			Row:      "div.list > div.row",
			Identity: "a.main",
			Title:    "a.main",
			Payloads: "ul a.att",
		},
	}, f)
	if err != nil {
		t.Fatal(err)
	}
	items, err := src.FetchPage(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items: %d", len(items))
	}
	want := []string{"https://x.example/n/list/a.pdf", "https://x.example/files/b.pdf"}
	if strings.Join(items[0].Payloads, ",") != strings.Join(want, ",") {
		t.Errorf("payloads: got %v, want %v", items[0].Payloads, want)
	}
}

func TestFetchPage_PayloadSelectorWithoutMatches(t *testing.T) {
	// WHAT: with a payload selector configured, a row without matching links
	// yields an item with no payloads instead of falling back to the identity.
	page := `<div class="list"><div class="row"><a class="main" href="/n/8">Notice 8</a></div></div>`
	f := &pageFetcher{pages: map[string]string{"https://x.example/n/list/1": page}}
	src, err := NewHTMLSource(Config{
		URL: "https://x.example/n/list/{page}",
		Selectors: Selectors{
			Row:      "div.list > div.row",
			Identity: "a.main",
			Payloads: "ul a.att",
		},
	}, f)
	if err != nil {
		t.Fatal(err)
	}
	items, err := src.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Identity != "https://x.example/n/8" {
		t.Fatalf("items: %+v", items)
	}
	if len(items[0].Payloads) != 0 {
		t.Errorf("payloads: %v", items[0].Payloads)
	}
}

func TestFetchPage_EmptyWarns(t *testing.T) {
	// WHAT: a page with no matching rows is empty, not an error, and warns.
	// WHY: an empty archive usually means the site layout changed.
	var logs bytes.Buffer
	f := &pageFetcher{pages: map[string]string{"https://s.example/1": "<html><body>maintenance</body></html>"}}
	src, err := NewHTMLSource(Config{URL: "https://s.example/{page}"}, f,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	if err != nil {
		t.Fatal(err)
	}
	items, err := src.FetchPage(context.Background(), 1)
	if err != nil || len(items) != 0 {
		t.Fatalf("got %v, %v", items, err)
	}
	if !strings.Contains(logs.String(), "selectors may be stale") {
		t.Errorf("missing warning, logs: %s", logs.String())
	}
}

func TestFetchPage_Unreachable(t *testing.T) {
	src, err := NewHTMLSource(Config{URL: "https://s.example/{page}"}, &pageFetcher{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.FetchPage(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewHTMLSource_Invalid(t *testing.T) {
	if _, err := NewHTMLSource(Config{}, &pageFetcher{}); err == nil {
		t.Error("missing url must fail")
	}
	if _, err := NewHTMLSource(Config{URL: "u", Selectors: Selectors{Title: "td >"}}, &pageFetcher{}); err == nil {
		t.Error("bad selector must fail")
	}
}

func TestSchoolYear(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2025, time.August, 31, 23, 0, 0, 0, time.UTC), "2024-2025"},
		{time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC), "2025-2026"},
		{time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC), "2025-2026"},
	}
	for _, tt := range tests {
		if got := SchoolYear(tt.at, time.September); got != tt.want {
			t.Errorf("SchoolYear(%v): got %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestExpandURL(t *testing.T) {
	got := ExpandURL("https://s/{school_year}?page={page0}&n={page}", 2, fixedClock(), time.September)
	if got != "https://s/2025-2026?page=1&n=2" {
		t.Errorf("got %q", got)
	}
}

func TestSelector_ChildVersusDescendant(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<div id="r" class="a b"><p><a href="1">x</a></p><a href="2">y</a></div>`))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(MustCompile("div#r a").All(doc)); n != 2 {
		t.Errorf("descendant: got %d", n)
	}
	if n := len(MustCompile("div.a.b > a").All(doc)); n != 1 {
		t.Errorf("child: got %d", n)
	}
	if n := len(MustCompile("div.a.c a").All(doc)); n != 0 {
		t.Errorf("missing class: got %d", n)
	}
	if n := len(MustCompile("a[href=2]").All(doc)); n != 1 {
		t.Errorf("attr: got %d", n)
	}
	if !(Selector{}).Empty() || (Selector{}).First(doc) != nil {
		t.Error("zero selector matches nothing")
	}
}

func TestField_Or(t *testing.T) {
	if (Field{}).Or("def") != "def" {
		t.Error("absent field")
	}
	if Present("").Or("def") != "" {
		t.Error("present empty field keeps its value")
	}
}
