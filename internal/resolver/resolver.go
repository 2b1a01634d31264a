// Package resolver maps a loosely specified target ("the search button") onto
// one concrete interactable element of a page snapshot.
package resolver

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/browser/dom"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
	"go.uber.org/zap"
)

// Confidence per strategy. Diagnostic only; it never gates execution.
const (
	confidenceStructural    = 100
	confidenceTextExact     = 90
	confidenceTextPartial   = 80
	confidenceAttrExact     = 75
	confidenceAttrPartial   = 70
	confidenceLabelExact    = 60
	confidenceLabelPartial  = 55
	confidenceFuzzyMax      = 50
	confidenceCachedLocator = 100
	defaultMaxTextLength    = 160
	defaultFuzzyThreshold   = 0.6
)

// labelAttributes are searched by the attribute strategy, in this order.
var labelAttributes = []string{"aria-label", "placeholder", "title", "alt", "name", "data-testid", "id", "value"}

// Cache is the advisory per-origin store of locators that worked before.
// It is never required for correctness.
type Cache interface {
	Get(ctx context.Context, origin, target string) (string, bool)
	Put(ctx context.Context, origin, target, locator string)
}

// Resolver evaluates the strategies in fixed priority order.
type Resolver struct {
	cfg     config.ResolverConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	cache   Cache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache enables the advisory locator cache.
func WithCache(c Cache) Option { return func(r *Resolver) { r.cache = c } }

// WithMetrics records the winning strategy of each resolution.
func WithMetrics(m *observability.Metrics) Option { return func(r *Resolver) { r.metrics = m } }

// New creates a Resolver.
func New(cfg config.ResolverConfig, logger *zap.Logger, opts ...Option) *Resolver {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = defaultMaxTextLength
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		cfg.FuzzyThreshold = defaultFuzzyThreshold
	}
	r := &Resolver{cfg: cfg, logger: logger.Named("resolver")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the best interactable element for target. kind narrows the
// pool: type wants an editable element and select a list control. Elements
// that fail the interactability filter are never returned.
func (r *Resolver) Resolve(ctx context.Context, snap *dom.Snapshot, target string, kind schemas.ActionKind) (schemas.ElementCandidate, error) {
	if strings.TrimSpace(target) == "" {
		return schemas.ElementCandidate{}, taskerr.New(taskerr.CodeResolutionFailure, "empty target")
	}
	accept := intentFilter(kind)

	if c, ok := r.fromCache(ctx, snap, target, accept); ok {
		return r.found(c, target), nil
	}

	strategies := []func(*dom.Snapshot, string, func(*dom.Element) bool) (schemas.ElementCandidate, bool){
		r.structural,
		r.byText,
		r.byAttribute,
		r.byLabel,
		r.byFuzzy,
	}
	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return schemas.ElementCandidate{}, taskerr.Wrap(taskerr.CodeCanceled, err, "resolution canceled")
		}
		if c, ok := strategy(snap, target, accept); ok {
			return r.found(c, target), nil
		}
	}

	r.logger.Debug("No element matched.", zap.String("target", target), zap.String("kind", string(kind)))
	return schemas.ElementCandidate{}, taskerr.New(taskerr.CodeResolutionFailure, "no interactable element matches %q", target)
}

// Remember records a locator that led to a successful action.
func (r *Resolver) Remember(ctx context.Context, pageURL, target string, c schemas.ElementCandidate) {
	if r.cache == nil || c.Locator == "" || c.Strategy == schemas.StrategyCached {
		return
	}
	r.cache.Put(ctx, Origin(pageURL), normalize(target), c.Locator)
}

func (r *Resolver) found(c schemas.ElementCandidate, target string) schemas.ElementCandidate {
	if r.metrics != nil {
		r.metrics.Resolutions.WithLabelValues(string(c.Strategy)).Inc()
	}
	r.logger.Debug("Resolved target.",
		zap.String("target", target),
		zap.String("strategy", string(c.Strategy)),
		zap.Int("confidence", c.Confidence),
		zap.String("handle", c.Handle))
	return c
}

// fromCache re-verifies a cached locator against the live snapshot.
func (r *Resolver) fromCache(ctx context.Context, snap *dom.Snapshot, target string, accept func(*dom.Element) bool) (schemas.ElementCandidate, bool) {
	if r.cache == nil {
		return schemas.ElementCandidate{}, false
	}
	locator, ok := r.cache.Get(ctx, Origin(snap.URL), normalize(target))
	if !ok {
		return schemas.ElementCandidate{}, false
	}
	found, err := snap.QueryCSS(locator)
	if err != nil || len(found) != 1 || !found[0].Interactable() || !accept(found[0]) {
		r.logger.Debug("Stale cached locator.", zap.String("target", target), zap.String("locator", locator))
		return schemas.ElementCandidate{}, false
	}
	return snap.Candidate(found[0], schemas.StrategyCached, confidenceCachedLocator), true
}

// Origin reduces a page URL to scheme://host.
func Origin(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return pageURL
	}
	return u.Scheme + "://" + u.Host
}

func intentFilter(kind schemas.ActionKind) func(*dom.Element) bool {
	switch kind {
	case schemas.ActionType:
		return (*dom.Element).Editable
	case schemas.ActionSelect:
		return func(e *dom.Element) bool {
			role := strings.ToLower(e.Attr("role"))
			return e.Tag == "select" || role == "listbox" || role == "combobox"
		}
	}
	return func(*dom.Element) bool { return true }
}

// -- Strategy 1: structural query --

func parseStructural(target string) (lang, expr string, ok bool) {
	t := strings.TrimSpace(target)
	switch {
	case strings.HasPrefix(t, "css="):
		return "css", strings.TrimSpace(t[4:]), true
	case strings.HasPrefix(t, "xpath="):
		return "xpath", strings.TrimSpace(t[6:]), true
	case strings.HasPrefix(t, "//"), strings.HasPrefix(t, "(//"), strings.HasPrefix(t, "./"):
		return "xpath", t, true
	}
	// Plain words also compile as type selectors, so demand selector syntax.
	if strings.HasPrefix(t, "#") || strings.HasPrefix(t, ".") || strings.HasPrefix(t, "[") ||
		strings.ContainsAny(t, "[>#") || strings.Contains(t, ":nth") {
		if _, err := cascadia.Compile(t); err == nil {
			return "css", t, true
		}
	}
	return "", "", false
}

func (r *Resolver) structural(snap *dom.Snapshot, target string, accept func(*dom.Element) bool) (schemas.ElementCandidate, bool) {
	lang, expr, ok := parseStructural(target)
	if !ok {
		return schemas.ElementCandidate{}, false
	}
	var found []*dom.Element
	var err error
	if lang == "xpath" {
		found, err = snap.QueryXPath(expr)
	} else {
		found, err = snap.QueryCSS(expr)
	}
	if err != nil {
		r.logger.Debug("Structural target did not parse.", zap.String("target", target), zap.Error(err))
		return schemas.ElementCandidate{}, false
	}
	if best := first(filter(found, accept)); best != nil {
		return snap.Candidate(best, schemas.StrategyStructural, confidenceStructural), true
	}
	return schemas.ElementCandidate{}, false
}

// -- Strategy 2: visible text of clickable elements --

func (r *Resolver) elementText(e *dom.Element) string {
	t := e.Text()
	if t == "" && e.Tag == "input" {
		switch strings.ToLower(e.Attr("type")) {
		case "submit", "button", "reset":
			t = e.Attr("value")
		}
	}
	if len(t) > r.cfg.MaxTextLength {
		return ""
	}
	return normalize(t)
}

func (r *Resolver) byText(snap *dom.Snapshot, target string, accept func(*dom.Element) bool) (schemas.ElementCandidate, bool) {
	want := normalize(target)
	var exact, partial []*dom.Element
	for _, e := range snap.Elements() {
		if !e.Clickable() {
			continue
		}
		text := r.elementText(e)
		switch {
		case text == "":
		case text == want:
			exact = append(exact, e)
		case strings.Contains(text, want):
			partial = append(partial, e)
		}
	}
	if best := first(filter(exact, accept)); best != nil {
		return snap.Candidate(best, schemas.StrategyText, confidenceTextExact), true
	}
	if best := first(filter(partial, accept)); best != nil {
		return snap.Candidate(best, schemas.StrategyText, confidenceTextPartial), true
	}
	return schemas.ElementCandidate{}, false
}

// -- Strategy 3: label-like attributes --

func (r *Resolver) byAttribute(snap *dom.Snapshot, target string, accept func(*dom.Element) bool) (schemas.ElementCandidate, bool) {
	want := normalize(target)
	var exact, partial []*dom.Element
	for _, e := range snap.Elements() {
		matchedExact, matchedPartial := false, false
		for _, attr := range labelAttributes {
			v := normalize(e.Attr(attr))
			if v == "" {
				continue
			}
			if v == want {
				matchedExact = true
				break
			}
			if strings.Contains(v, want) {
				matchedPartial = true
			}
		}
		if !matchedExact && !matchedPartial {
			continue
		}
		// An image inside a link resolves to the link.
		el := e
		if !accept(el) || !el.Clickable() {
			el = snap.ClickableAncestor(e)
		}
		if matchedExact {
			exact = append(exact, el)
		} else {
			partial = append(partial, el)
		}
	}
	if best := first(filter(exact, accept)); best != nil {
		return snap.Candidate(best, schemas.StrategyAttribute, confidenceAttrExact), true
	}
	if best := first(filter(partial, accept)); best != nil {
		return snap.Candidate(best, schemas.StrategyAttribute, confidenceAttrPartial), true
	}
	return schemas.ElementCandidate{}, false
}

// -- Strategy 4: label association for form fields --

func (r *Resolver) byLabel(snap *dom.Snapshot, target string, accept func(*dom.Element) bool) (schemas.ElementCandidate, bool) {
	want := normalize(target)
	var exact, partial []*dom.Element
	for _, e := range snap.Elements() {
		if !e.IsFormField() {
			continue
		}
		for _, label := range snap.Labels(e) {
			l := normalize(label)
			if l == want {
				exact = append(exact, e)
				break
			}
			if strings.Contains(l, want) {
				partial = append(partial, e)
				break
			}
		}
	}
	if best := first(filter(exact, accept)); best != nil {
		return snap.Candidate(best, schemas.StrategyLabel, confidenceLabelExact), true
	}
	if best := first(filter(partial, accept)); best != nil {
		return snap.Candidate(best, schemas.StrategyLabel, confidenceLabelPartial), true
	}
	return schemas.ElementCandidate{}, false
}

// -- Strategy 5: fuzzy similarity --

func (r *Resolver) byFuzzy(snap *dom.Snapshot, target string, accept func(*dom.Element) bool) (schemas.ElementCandidate, bool) {
	want := normalize(target)
	type scored struct {
		el    *dom.Element
		score float64
	}
	var pool []scored
	for _, e := range snap.Elements() {
		if !(e.Clickable() || e.IsFormField()) || !e.Interactable() || !accept(e) {
			continue
		}
		texts := []string{r.elementText(e)}
		for _, attr := range []string{"aria-label", "placeholder", "title", "alt"} {
			texts = append(texts, normalize(e.Attr(attr)))
		}
		for _, l := range snap.Labels(e) {
			texts = append(texts, normalize(l))
		}
		best := 0.0
		for _, t := range texts {
			if t == "" {
				continue
			}
			if s := similarity(want, t); s > best {
				best = s
			}
		}
		if best >= r.cfg.FuzzyThreshold {
			pool = append(pool, scored{e, best})
		}
	}
	if len(pool) == 0 {
		return schemas.ElementCandidate{}, false
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return readingOrderLess(pool[i].el, pool[j].el)
	})
	confidence := int(pool[0].score * confidenceFuzzyMax)
	return snap.Candidate(pool[0].el, schemas.StrategyFuzzy, confidence), true
}

// -- helpers --

func filter(els []*dom.Element, accept func(*dom.Element) bool) []*dom.Element {
	out := els[:0:0]
	seen := make(map[*dom.Element]bool, len(els))
	for _, e := range els {
		if seen[e] || !e.Interactable() || !accept(e) {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// first returns the topmost-then-leftmost element; document order breaks exact ties.
func first(els []*dom.Element) *dom.Element {
	if len(els) == 0 {
		return nil
	}
	sort.SliceStable(els, func(i, j int) bool { return readingOrderLess(els[i], els[j]) })
	return els[0]
}

func readingOrderLess(a, b *dom.Element) bool {
	if a.Rect.Y != b.Rect.Y {
		return a.Rect.Y < b.Rect.Y
	}
	return a.Rect.X < b.Rect.X
}
