package schemas

// Rect is an element's bounding box in document coordinates (CSS pixels).
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports a zero-area box.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// ResolutionStrategy names the resolver strategy that produced a candidate.
type ResolutionStrategy string

const (
	StrategyCached     ResolutionStrategy = "cached"
	StrategyStructural ResolutionStrategy = "structural"
	StrategyText       ResolutionStrategy = "text"
	StrategyAttribute  ResolutionStrategy = "attribute"
	StrategyLabel      ResolutionStrategy = "label"
	StrategyFuzzy      ResolutionStrategy = "fuzzy"
)

// ElementCandidate is a transient resolution result. Handle references a live
// node and is only valid until the page mutates, so candidates are never cached.
type ElementCandidate struct {
	Handle     string             `json:"handle"`
	Strategy   ResolutionStrategy `json:"strategy"`
	Confidence int                `json:"confidence"`
	Rect       Rect               `json:"rect"`
	Visible    bool               `json:"visible"`
	Tag        string             `json:"tag,omitempty"`
	Text       string             `json:"text,omitempty"`
	// Locator is a CSS selector that re-finds the element on a later snapshot.
	Locator string `json:"locator,omitempty"`
}
