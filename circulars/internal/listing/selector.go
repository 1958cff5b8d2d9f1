package listing

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector. Supported subset:
//   - tag: "tr", "td"
//   - .class, multiple classes: ".a.b"
//   - #id
//   - [attr], [attr=val]
//   - descendant combinator (whitespace) and child combinator (">")
type Selector struct {
	raw   string
	steps []step
}

type combinator int

const (
	descendant combinator = iota
	child
)

type step struct {
	comb combinator
	sel  simpleSelector
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
}

// Compile parses a selector. An empty string compiles to the zero
// Selector, which matches nothing.
func Compile(raw string) (Selector, error) {
	s := Selector{raw: raw}
	tokens := strings.Fields(strings.ReplaceAll(raw, ">", " > "))
	comb := descendant
	pending := false
	for _, tok := range tokens {
		if tok == ">" {
			if pending || len(s.steps) == 0 {
				return Selector{}, fmt.Errorf("listing: selector %q: misplaced '>'", raw)
			}
			comb = child
			pending = true
			continue
		}
		s.steps = append(s.steps, step{comb: comb, sel: parseSimpleSelector(tok)})
		comb = descendant
		pending = false
	}
	if pending {
		return Selector{}, fmt.Errorf("listing: selector %q: trailing '>'", raw)
	}
	return s, nil
}

// MustCompile is Compile that panics, for package-level defaults.
func MustCompile(raw string) Selector {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the source text.
func (s Selector) String() string { return s.raw }

// Empty reports whether the selector has no steps.
func (s Selector) Empty() bool { return len(s.steps) == 0 }

// All returns the elements under root matching s, root itself excluded.
func (s Selector) All(root *html.Node) []*html.Node {
	if root == nil || len(s.steps) == 0 {
		return nil
	}
	current := []*html.Node{root}
	for _, st := range s.steps {
		seen := make(map[*html.Node]bool)
		var next []*html.Node
		add := func(n *html.Node) {
			if !seen[n] {
				seen[n] = true
				next = append(next, n)
			}
		}
		for _, n := range current {
			if st.comb == child {
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if matchesSelector(c, st.sel) {
						add(c)
					}
				}
				continue
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c, func(d *html.Node) {
					if matchesSelector(d, st.sel) {
						add(d)
					}
				})
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// First returns the first match or nil.
func (s Selector) First(root *html.Node) *html.Node {
	all := s.All(root)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// parseSimpleSelector parses "tag.class", "#id", "tag[attr=val]", etc.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eqIdx := strings.IndexByte(attrPart, '='); eqIdx >= 0 {
			s.attrKey = attrPart[:eqIdx]
			s.attrVal = strings.Trim(attrPart[eqIdx+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
		if dot := strings.IndexByte(s.id, '.'); dot >= 0 {
			sel += s.id[dot:]
			s.id = s.id[:dot]
		}
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		for _, c := range strings.Split(sel[idx+1:], ".") {
			if c != "" {
				s.classes = append(s.classes, c)
			}
		}
		sel = sel[:idx]
	}

	s.tag = strings.ToLower(sel)
	return s
}

func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && s.tag != "*" && n.Data != s.tag {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if s.attrKey != "" {
		if s.attrVal != "" {
			if getAttr(n, s.attrKey) != s.attrVal {
				return false
			}
		} else if !hasAttr(n, s.attrKey) {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}
