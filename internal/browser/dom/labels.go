// browser/dom/labels.go
package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// maxPrecedingText bounds how much nearby text counts as an implicit label.
const maxPrecedingText = 80

// IsFormField reports whether labels apply to the element.
func (e *Element) IsFormField() bool {
	switch e.Tag {
	case "input", "select", "textarea", "button", "meter", "output", "progress":
		return true
	}
	return e.Attr("contenteditable") == "true"
}

// Labels returns the label texts associated with a form field, in priority
// order: aria-labelledby, explicit <label for>, a wrapping <label>, then the
// nearest preceding text.
func (s *Snapshot) Labels(e *Element) []string {
	if !e.IsFormField() {
		return nil
	}
	var out []string
	add := func(t string) {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			return
		}
		for _, seen := range out {
			if seen == t {
				return
			}
		}
		out = append(out, t)
	}

	for _, ref := range strings.Fields(e.Attr("aria-labelledby")) {
		if el, ok := s.ByID(ref); ok {
			add(el.Text())
		}
	}

	if id := e.Attr("id"); id != "" {
		for _, el := range s.elements {
			if el.Tag == "label" && el.Attr("for") == id {
				add(el.Text())
			}
		}
	}

	for n := e.Node.Parent; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "label") {
			if el, ok := s.byNode[n]; ok {
				add(strings.Replace(el.Text(), e.Text(), "", 1))
			}
			break
		}
	}

	add(precedingText(e.Node))
	return out
}

// precedingText walks backwards through earlier siblings (climbing at most two
// levels) and returns the first non-empty text found.
func precedingText(n *html.Node) string {
	cur := n
	for depth := 0; depth < 3 && cur != nil; depth++ {
		for prev := cur.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && isFormTag(prev.Data) {
				// Another control sits in between; its label is not ours.
				return ""
			}
			var b strings.Builder
			collectText(prev, &b)
			t := strings.Join(strings.Fields(b.String()), " ")
			if t == "" {
				continue
			}
			if r := []rune(t); len(r) > maxPrecedingText {
				t = string(r[len(r)-maxPrecedingText:])
			}
			return t
		}
		cur = cur.Parent
		if cur != nil && cur.Type == html.ElementNode && strings.EqualFold(cur.Data, "form") {
			break
		}
	}
	return ""
}

func isFormTag(tag string) bool {
	switch strings.ToLower(tag) {
	case "input", "select", "textarea":
		return true
	}
	return false
}
