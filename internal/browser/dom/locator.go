// browser/dom/locator.go
package dom

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var cssIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Locator generates a CSS selector that re-finds e on a later snapshot of the
// same page. It prefers a unique id, then a unique tag+name pair, then an
// :nth-of-type path anchored at the nearest ancestor with a unique id.
func (s *Snapshot) Locator(e *Element) string {
	if e == nil || e.Node == nil {
		return ""
	}

	if id := e.Attr("id"); id != "" {
		if sel := idSelector(id); s.uniquelyMatches(sel, e) {
			return sel
		}
	}

	if name := e.Attr("name"); name != "" {
		sel := fmt.Sprintf(`%s[name="%s"]`, e.Tag, escapeAttr(name))
		if s.uniquelyMatches(sel, e) {
			return sel
		}
	}

	return s.structuralPath(e.Node)
}

func (s *Snapshot) structuralPath(node *html.Node) string {
	var path []string
	// Traverse up the tree from the node to the root.
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if tag == "" {
			continue
		}

		// Anchor on an id, but only if it is unique in this snapshot.
		if n != node {
			if el, ok := s.byNode[n]; ok {
				if id := el.Attr("id"); id != "" {
					if sel := idSelector(id); s.uniquelyMatches(sel, el) {
						path = append(path, sel)
						break
					}
				}
			}
		}

		// nth-of-type indices are 1-based.
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		if tag == "html" || tag == "body" || tag == "head" {
			path = append(path, tag)
		} else {
			path = append(path, fmt.Sprintf("%s:nth-of-type(%d)", tag, index))
		}
	}

	if len(path) == 0 {
		return ""
	}

	// Reverse the path to go from root (or id anchor) to the node.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return strings.Join(path, " > ")
}

func (s *Snapshot) uniquelyMatches(sel string, e *Element) bool {
	found, err := s.QueryCSS(sel)
	return err == nil && len(found) == 1 && found[0] == e
}

func idSelector(id string) string {
	if cssIdent.MatchString(id) {
		return "#" + id
	}
	return fmt.Sprintf(`[id="%s"]`, escapeAttr(id))
}

func escapeAttr(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v)
}
