package render

import (
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/noticewatch/circulars/internal/detect"
	"github.com/hazyhaar/noticewatch/circulars/internal/listing"
	"github.com/hazyhaar/noticewatch/circulars/internal/store"
	"github.com/hazyhaar/noticewatch/idgen"
)

var at = time.Date(2025, 10, 19, 10, 0, 0, 0, time.UTC)

func newRenderer(t *testing.T, tmpl Templates) *Renderer {
	t.Helper()
	r, err := New(tmpl, WithClock(func() time.Time { return at }), WithIDGenerator(idgen.Sequence("msg_")))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func change(kind store.Kind, updates int) detect.Change {
	return detect.Change{
		Item: listing.Item{
			Identity:    "https://school.example/c/142.pdf",
			Number:      "142",
			Title:       "Strike <today> & tomorrow",
			Description: `Possible <b>delays</b> <script>alert(1)</script><p onclick="x()">see <a href="javascript:evil()">here</a></p>`,
			Date:        "18/10/2025",
		},
		Mutation: store.Mutation{Kind: kind, Identity: "https://school.example/c/142.pdf", Updates: updates},
		Pages:    3,
	}
}

func TestRender_New(t *testing.T) {
	// WHAT: a new-item notification escapes the title and sanitises markup.
	// WHY: Telegram rejects messages with unsupported tags, blocking delivery.
	n, err := newRenderer(t, Templates{}).Render(change(store.Announce, 0))
	if err != nil {
		t.Fatal(err)
	}
	if n.ID != "msg_1" || n.Kind != "new" || n.Link != "https://school.example/c/142.pdf" {
		t.Errorf("notification: %+v", n)
	}
	for _, want := range []string{
		"<b>Notice 142</b> of 18/10/2025",
		"Strike &lt;today&gt; &amp; tomorrow",
		"<b>delays</b>",
		"(3 pages)",
	} {
		if !strings.Contains(n.HTML, want) {
			t.Errorf("missing %q in:\n%s", want, n.HTML)
		}
	}
	for _, bad := range []string{"<script", "onclick", "<p", "javascript:"} {
		if strings.Contains(n.HTML, bad) {
			t.Errorf("unexpected %q in:\n%s", bad, n.HTML)
		}
	}
}

func TestRender_Update(t *testing.T) {
	n, err := newRenderer(t, Templates{}).Render(change(store.Update, 3))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(n.HTML, "<b>Update #3 to notice 142</b>") {
		t.Errorf("html: %s", n.HTML)
	}
	wantLink := "https://school.example/c/142.pdf?ts=1760868000000"
	if n.Link != wantLink || !strings.Contains(n.HTML, wantLink) {
		t.Errorf("link: %q\n%s", n.Link, n.HTML)
	}
	if n.Update != 3 || n.Kind != "update" {
		t.Errorf("notification: %+v", n)
	}
}

func TestRender_CustomTemplate(t *testing.T) {
	r := newRenderer(t, Templates{New: `Circolare {{.Number}} del {{.Date}}{{"\n"}}{{.Title}}`})
	n, err := r.Render(change(store.Announce, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(n.HTML, "Circolare 142 del 18/10/2025\n") {
		t.Errorf("html: %q", n.HTML)
	}
}

func TestNew_BadTemplate(t *testing.T) {
	if _, err := New(Templates{Update: "{{.Missing"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRender_LongDescriptionFlattened(t *testing.T) {
	c := change(store.Announce, 0)
	c.Item.Description = "<b>" + strings.Repeat("word ", MaxDescription) + "</b>"
	n, err := newRenderer(t, Templates{}).Render(c)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(n.HTML, "<b>word") {
		t.Error("long description must be flattened to text")
	}
	if !strings.Contains(n.HTML, "…") {
		t.Error("long description must be cut")
	}
}

func TestCacheBust(t *testing.T) {
	got := CacheBust("https://s.example/a.pdf?x=1", at)
	if got != "https://s.example/a.pdf?ts=1760868000000&x=1" {
		t.Errorf("got %q", got)
	}
}
