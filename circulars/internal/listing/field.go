package listing

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Field is the result of extracting one value from a row: present with a
// value, or absent.
type Field struct {
	Value string
	OK    bool
}

// Present returns a present Field.
func Present(v string) Field { return Field{Value: v, OK: true} }

// Or returns the value, or def when the field is absent.
func (f Field) Or(def string) string {
	if !f.OK {
		return def
	}
	return f.Value
}

// textField returns the whitespace-collapsed text of the first match.
func textField(row *html.Node, sel Selector) Field {
	n := sel.First(row)
	if n == nil {
		return Field{}
	}
	return Present(collectText(n))
}

// innerHTMLField returns the markup inside the first match.
func innerHTMLField(row *html.Node, sel Selector) Field {
	n := sel.First(row)
	if n == nil {
		return Field{}
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return Field{}
		}
	}
	return Present(strings.TrimSpace(b.String()))
}

// urlField returns attr of n resolved against base. Empty or unparsable
// values are absent.
func urlField(n *html.Node, attr string, base *url.URL) Field {
	if n == nil {
		return Field{}
	}
	raw := strings.TrimSpace(getAttr(n, attr))
	if raw == "" {
		return Field{}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Field{}
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return Present(u.String())
}

func collectText(n *html.Node) string {
	var b strings.Builder
	walk(n, func(d *html.Node) {
		if d.Type == html.TextNode {
			b.WriteString(d.Data)
			b.WriteByte(' ')
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}
