package executor

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
	"go.uber.org/zap"
)

const (
	defaultWait     = time.Second
	maxWait         = 15 * time.Second
	defaultScrollPx = 600
)

// handler performs one descriptor kind. target is nil for page-level kinds.
type handler func(ctx context.Context, action schemas.ActionDescriptor, target *schemas.ElementCandidate) error

// Executor maps descriptors onto host operations.
type Executor struct {
	host     Host
	cfg      config.TaskConfig
	logger   *zap.Logger
	handlers map[schemas.ActionKind]handler

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an Executor over host.
func New(host Host, cfg config.TaskConfig, logger *zap.Logger) *Executor {
	e := &Executor{
		host:   host,
		cfg:    cfg,
		logger: logger.Named("executor"),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7a5c)),
	}
	e.handlers = map[schemas.ActionKind]handler{
		schemas.ActionNavigate: e.navigate,
		schemas.ActionClick:    e.click,
		schemas.ActionType:     e.typeText,
		schemas.ActionScroll:   e.scroll,
		schemas.ActionWait:     e.wait,
		schemas.ActionPress:    e.press,
		schemas.ActionSelect:   e.selectOption,
	}
	return e
}

// Execute performs action once. It reports success or a taskerr-coded error;
// it never retries on its own.
func (e *Executor) Execute(ctx context.Context, action schemas.ActionDescriptor, target *schemas.ElementCandidate) error {
	h, ok := e.handlers[action.Kind]
	if !ok {
		return taskerr.New(taskerr.CodeExecutionFailure, "no executor for action kind %q", action.Kind)
	}
	if action.Kind.NeedsTarget() && target == nil {
		return taskerr.New(taskerr.CodeResolutionFailure, "%s requires a resolved element", action.Kind)
	}
	err := h(ctx, action, target)
	if err != nil {
		e.logger.Debug("Action failed.", zap.String("action", action.Signature()), zap.Error(err))
	}
	return err
}

// dispatch sends op to the host. A lost page context is re-armed and the
// operation retried through that path exactly once.
func (e *Executor) dispatch(ctx context.Context, op Operation) (OpResult, error) {
	res := e.host.Dispatch(ctx, op)
	if res.ContextLost {
		e.logger.Info("Page context lost, re-arming host.", zap.String("op", string(op.Name)))
		if !e.host.EnsureReady(ctx) {
			return res, taskerr.New(taskerr.CodeExecutionFailure, "page context lost during %s and could not be re-armed", op.Name)
		}
		res = e.host.Dispatch(ctx, op)
		if res.ContextLost {
			return res, taskerr.New(taskerr.CodeExecutionFailure, "page context lost again during %s", op.Name)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, taskerr.Wrap(taskerr.CodeCanceled, err, "%s interrupted", op.Name)
	}
	if !res.Success {
		return res, taskerr.New(taskerr.CodeExecutionFailure, "%s failed: %s", op.Name, res.Message)
	}
	return res, nil
}

// NormalizeURL prefixes a protocol-less URL with https.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "://") {
		return s
	}
	for _, scheme := range []string{"about:", "data:", "file:", "chrome:"} {
		if strings.HasPrefix(lower, scheme) {
			return s
		}
	}
	return "https://" + strings.TrimPrefix(s, "//")
}

// navigate reports success once the navigation is issued; load completion is
// the caller's bounded wait.
func (e *Executor) navigate(ctx context.Context, a schemas.ActionDescriptor, _ *schemas.ElementCandidate) error {
	u := NormalizeURL(a.Value)
	if u == "" {
		return taskerr.New(taskerr.CodeExecutionFailure, "navigate requires a url")
	}
	_, err := e.dispatch(ctx, Operation{Name: OpNavigate, Text: u})
	return err
}

func (e *Executor) click(ctx context.Context, _ schemas.ActionDescriptor, t *schemas.ElementCandidate) error {
	e.revealElement(ctx, t)

	_, err := e.dispatch(ctx, Operation{Name: OpClick, Handle: t.Handle})
	if err == nil || taskerr.CodeOf(err) == taskerr.CodeCanceled {
		return err
	}

	// Not every element responds to the primary trigger.
	e.logger.Debug("Click trigger failed, synthesizing mouse sequence.", zap.String("handle", t.Handle), zap.Error(err))
	x, y := t.Rect.Center()
	_, err = e.dispatch(ctx, Operation{Name: OpMouseClick, Handle: t.Handle, X: x, Y: y})
	return err
}

func (e *Executor) typeText(ctx context.Context, a schemas.ActionDescriptor, t *schemas.ElementCandidate) error {
	e.revealElement(ctx, t)

	if _, err := e.dispatch(ctx, Operation{Name: OpFocus, Handle: t.Handle}); err != nil {
		return err
	}
	replace := a.ShouldClear()
	if replace {
		if _, err := e.dispatch(ctx, Operation{Name: OpClear, Handle: t.Handle}); err != nil {
			return err
		}
	}

	for i, r := range a.Value {
		if i > 0 {
			if err := sleepCtx(ctx, e.typingDelay()); err != nil {
				return taskerr.Wrap(taskerr.CodeCanceled, err, "typing interrupted")
			}
		}
		if _, err := e.dispatch(ctx, Operation{Name: OpInsertText, Handle: t.Handle, Text: string(r)}); err != nil {
			return err
		}
	}

	if _, err := e.dispatch(ctx, Operation{Name: OpCommit, Handle: t.Handle}); err != nil {
		return err
	}

	res, err := e.dispatch(ctx, Operation{Name: OpReadValue, Handle: t.Handle})
	if err != nil {
		return err
	}
	ok := res.Value == a.Value
	if !replace {
		ok = strings.HasSuffix(res.Value, a.Value)
	}
	if !ok {
		return taskerr.New(taskerr.CodeExecutionFailure, "field holds %q after typing %q", res.Value, a.Value)
	}
	return nil
}

func (e *Executor) scroll(ctx context.Context, a schemas.ActionDescriptor, t *schemas.ElementCandidate) error {
	op := Operation{Name: OpScroll, DeltaY: defaultScrollPx}
	if t != nil {
		op.Handle = t.Handle
	}
	switch v := strings.ToLower(strings.TrimSpace(a.Value)); v {
	case "", "down":
	case "up":
		op.DeltaY = -defaultScrollPx
	case "top", "bottom":
		op.Text = v
		op.DeltaY = 0
	default:
		n, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64)
		if err != nil {
			return taskerr.New(taskerr.CodeExecutionFailure, "unknown scroll direction %q", a.Value)
		}
		op.DeltaY = n
	}
	_, err := e.dispatch(ctx, op)
	return err
}

func (e *Executor) wait(ctx context.Context, a schemas.ActionDescriptor, _ *schemas.ElementCandidate) error {
	d := defaultWait
	if a.TimingHintMs > 0 {
		d = time.Duration(a.TimingHintMs) * time.Millisecond
	} else if ms, err := strconv.Atoi(strings.TrimSpace(a.Value)); err == nil && ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	if d > maxWait {
		d = maxWait
	}
	if err := sleepCtx(ctx, d); err != nil {
		return taskerr.Wrap(taskerr.CodeCanceled, err, "wait interrupted")
	}
	return nil
}

func (e *Executor) press(ctx context.Context, a schemas.ActionDescriptor, t *schemas.ElementCandidate) error {
	key := NormalizeKey(a.Value)
	if key == "" {
		return taskerr.New(taskerr.CodeExecutionFailure, "press requires a key")
	}
	op := Operation{Name: OpPress, Text: key}
	if t != nil {
		if _, err := e.dispatch(ctx, Operation{Name: OpFocus, Handle: t.Handle}); err != nil {
			return err
		}
		op.Handle = t.Handle
	}
	_, err := e.dispatch(ctx, op)
	return err
}

func (e *Executor) selectOption(ctx context.Context, a schemas.ActionDescriptor, t *schemas.ElementCandidate) error {
	e.revealElement(ctx, t)
	_, err := e.dispatch(ctx, Operation{Name: OpSelect, Handle: t.Handle, Text: a.Value})
	return err
}

// revealElement scrolls an off-viewport element into view. Failure is not
// fatal; the following operation reports its own error.
func (e *Executor) revealElement(ctx context.Context, t *schemas.ElementCandidate) {
	if _, err := e.dispatch(ctx, Operation{Name: OpScrollIntoView, Handle: t.Handle}); err != nil {
		e.logger.Debug("Scroll into view failed.", zap.String("handle", t.Handle), zap.Error(err))
	}
}

func (e *Executor) typingDelay() time.Duration {
	lo, hi := e.cfg.TypingMinDelay, e.cfg.TypingMaxDelay
	if hi <= lo {
		return lo
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return lo + time.Duration(e.rng.Int64N(int64(hi-lo)))
}

// keyNames maps common spellings onto DOM key values.
var keyNames = map[string]string{
	"enter": "Enter", "return": "Enter",
	"tab": "Tab", "escape": "Escape", "esc": "Escape",
	"backspace": "Backspace", "delete": "Delete", "space": " ",
	"arrowup": "ArrowUp", "up": "ArrowUp", "arrowdown": "ArrowDown", "down": "ArrowDown",
	"arrowleft": "ArrowLeft", "left": "ArrowLeft", "arrowright": "ArrowRight", "right": "ArrowRight",
	"pageup": "PageUp", "pagedown": "PageDown", "home": "Home", "end": "End",
}

// NormalizeKey maps a loosely named key onto its DOM key value.
func NormalizeKey(k string) string {
	k = strings.TrimSpace(k)
	if v, ok := keyNames[strings.ToLower(k)]; ok {
		return v
	}
	return k
}

// sleepCtx waits d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
