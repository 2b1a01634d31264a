// browser/dom/snapshot.go
package dom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/xkilldash9x/taskpilot/api/schemas"
	"golang.org/x/net/html"
)

// Attributes stamped onto every element by the in-page snapshot script.
const (
	AttrHandle   = "data-tp-id"
	AttrBox      = "data-tp-box"
	AttrVisible  = "data-tp-visible"
	AttrDisabled = "data-tp-disabled"
	AttrValue    = "data-tp-value"
)

// Snapshot is a parsed, immutable view of a live page. Handles refer to the
// live nodes the snapshot was taken from; they go stale when the page mutates.
type Snapshot struct {
	URL string

	doc      *goquery.Document
	elements []*Element
	byHandle map[string]*Element
	byNode   map[*html.Node]*Element
}

// Element is one element of a Snapshot.
type Element struct {
	Node     *html.Node
	Handle   string
	Tag      string
	Rect     schemas.Rect
	Visible  bool
	Disabled bool
	// Value is the live value of form controls at capture time.
	Value string

	text *string
}

// Parse builds a Snapshot from stamped HTML. Elements without a handle are
// kept for text and label lookups but can never be resolved.
func Parse(pageURL, markup string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot markup: %w", err)
	}

	s := &Snapshot{
		URL:      pageURL,
		doc:      doc,
		byHandle: make(map[string]*Element),
		byNode:   make(map[*html.Node]*Element),
	}
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		n := sel.Get(0)
		el := &Element{
			Node:     n,
			Tag:      strings.ToLower(n.Data),
			Handle:   sel.AttrOr(AttrHandle, ""),
			Rect:     parseBox(sel.AttrOr(AttrBox, "")),
			Visible:  sel.AttrOr(AttrVisible, "") == "1",
			Disabled: sel.AttrOr(AttrDisabled, "") == "1",
		}
		if v, ok := sel.Attr(AttrValue); ok {
			el.Value = v
		} else {
			el.Value = sel.AttrOr("value", "")
		}
		s.elements = append(s.elements, el)
		s.byNode[n] = el
		if el.Handle != "" {
			s.byHandle[el.Handle] = el
		}
	})
	return s, nil
}

func parseBox(raw string) schemas.Rect {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return schemas.Rect{}
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return schemas.Rect{}
		}
		vals[i] = f
	}
	return schemas.Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}
}

// Elements returns all elements in document order.
func (s *Snapshot) Elements() []*Element { return s.elements }

// ByHandle looks an element up by its live handle.
func (s *Snapshot) ByHandle(handle string) (*Element, bool) {
	el, ok := s.byHandle[handle]
	return el, ok
}

// ElementFor maps a parsed node back to its Element.
func (s *Snapshot) ElementFor(n *html.Node) (*Element, bool) {
	el, ok := s.byNode[n]
	return el, ok
}

// QueryCSS returns the elements matching a CSS selector in document order.
func (s *Snapshot) QueryCSS(selector string) ([]*Element, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid CSS selector %q: %w", selector, err)
	}
	return s.collect(s.doc.FindMatcher(matcher).Nodes), nil
}

// QueryXPath returns the elements matching an XPath expression.
func (s *Snapshot) QueryXPath(expr string) ([]*Element, error) {
	nodes, err := htmlquery.QueryAll(s.doc.Get(0), expr)
	if err != nil {
		return nil, fmt.Errorf("invalid XPath %q: %w", expr, err)
	}
	return s.collect(nodes), nil
}

func (s *Snapshot) collect(nodes []*html.Node) []*Element {
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		if el, ok := s.byNode[n]; ok {
			out = append(out, el)
		}
	}
	return out
}

// Attr returns the named attribute or "".
func (e *Element) Attr(name string) string {
	for _, a := range e.Node.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present at all.
func (e *Element) HasAttr(name string) bool {
	for _, a := range e.Node.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

// Text is the whitespace-collapsed rendered text of the element, excluding
// script and style content.
func (e *Element) Text() string {
	if e.text == nil {
		var b strings.Builder
		collectText(e.Node, &b)
		t := strings.Join(strings.Fields(b.String()), " ")
		e.text = &t
	}
	return *e.text
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.ElementNode:
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "template":
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// Interactable is the filter every resolution must pass: rendered with a
// non-zero box and not disabled.
func (e *Element) Interactable() bool {
	return e.Handle != "" && e.Visible && !e.Disabled && !e.Rect.Empty()
}

var clickableRoles = map[string]bool{
	"button": true, "link": true, "menuitem": true, "tab": true, "checkbox": true,
	"radio": true, "option": true, "switch": true, "combobox": true, "searchbox": true,
	"textbox": true, "menuitemcheckbox": true, "menuitemradio": true, "treeitem": true,
}

// Clickable reports whether the element has a clickable role: native
// controls, links, ARIA widget roles, click handlers or explicit tab stops.
func (e *Element) Clickable() bool {
	switch e.Tag {
	case "a":
		return e.HasAttr("href") || e.HasAttr("onclick") || e.Attr("role") != ""
	case "button", "select", "textarea", "summary", "option", "label":
		return true
	case "input":
		return !strings.EqualFold(e.Attr("type"), "hidden")
	}
	if clickableRoles[strings.ToLower(e.Attr("role"))] {
		return true
	}
	if e.HasAttr("onclick") || e.Attr("contenteditable") == "true" {
		return true
	}
	if ti := e.Attr("tabindex"); ti != "" {
		if n, err := strconv.Atoi(ti); err == nil && n >= 0 {
			return true
		}
	}
	return false
}

// Editable reports whether the element accepts typed text.
func (e *Element) Editable() bool {
	switch e.Tag {
	case "textarea":
		return true
	case "input":
		switch strings.ToLower(e.Attr("type")) {
		case "hidden", "submit", "button", "reset", "image", "checkbox", "radio", "file", "range", "color":
			return false
		}
		return true
	}
	return e.Attr("contenteditable") == "true" || strings.EqualFold(e.Attr("role"), "textbox")
}

// Candidate converts the element into a resolution result.
func (s *Snapshot) Candidate(e *Element, strategy schemas.ResolutionStrategy, confidence int) schemas.ElementCandidate {
	text := e.Text()
	if r := []rune(text); len(r) > 80 {
		text = string(r[:80])
	}
	return schemas.ElementCandidate{
		Handle:     e.Handle,
		Strategy:   strategy,
		Confidence: confidence,
		Rect:       e.Rect,
		Visible:    e.Visible,
		Tag:        e.Tag,
		Text:       text,
		Locator:    s.Locator(e),
	}
}

// ClickableAncestor returns the nearest clickable element at or above e, or e.
func (s *Snapshot) ClickableAncestor(e *Element) *Element {
	for n := e.Node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if el, ok := s.byNode[n]; ok && el.Clickable() {
			return el
		}
	}
	return e
}

// ByID finds the element with the given id attribute.
func (s *Snapshot) ByID(id string) (*Element, bool) {
	if id == "" {
		return nil, false
	}
	for _, el := range s.elements {
		if el.Attr("id") == id {
			return el, true
		}
	}
	return nil, false
}
