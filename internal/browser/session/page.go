// Package session drives one browser tab per task context through chromedp and
// implements the execution host, screen capture and DOM snapshot the
// orchestrator consumes.
package session

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/browser/dom"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/executor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed js/snapshot.js
var snapshotScript string

//go:embed js/ops.js
var opsScript string

const (
	defaultOpTimeout = 15 * time.Second
	readyTimeout     = 10 * time.Second
)

// Page is one controlled tab. It satisfies executor.Host.
type Page struct {
	contextID string
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       config.BrowserConfig
	logger    *zap.Logger
}

var _ executor.Host = (*Page)(nil)

// ContextID is the task context this tab belongs to.
func (p *Page) ContextID() string { return p.contextID }

// run executes actions bounded by both the tab lifetime and ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()

	timeout := p.cfg.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	return chromedp.Run(runCtx, actions...)
}

func (p *Page) evaluate(ctx context.Context, script string, res interface{}) error {
	return p.run(ctx, chromedp.Evaluate(script, res, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithReturnByValue(true).WithAwaitPromise(true)
	}))
}

// URL reports the address of the current document.
func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return u, nil
}

// Capture returns a JPEG of the viewport. Privileged documents cannot be
// captured and yield (nil, nil).
func (p *Page) Capture(ctx context.Context) ([]byte, error) {
	u, err := p.URL(ctx)
	if err != nil {
		return nil, err
	}
	if IsPrivilegedURL(u) {
		p.logger.Debug("Skipping capture of privileged document.", zap.String("url", u))
		return nil, nil
	}

	quality := p.cfg.ScreenshotJPEG
	if quality <= 0 || quality > 100 {
		quality = 70
	}
	var buf []byte
	err = p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// IsPrivilegedURL reports documents the browser refuses to expose to capture.
func IsPrivilegedURL(u string) bool {
	lower := strings.ToLower(u)
	for _, prefix := range []string{"chrome://", "chrome-extension://", "devtools://", "chrome-search://", "edge://", "view-source:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

type snapshotPayload struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// Snapshot stamps every element with a handle plus its geometry and state,
// then parses the serialized document.
func (p *Page) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	var payload snapshotPayload
	if err := p.evaluate(ctx, snapshotScript, &payload); err != nil {
		return nil, fmt.Errorf("failed to snapshot document: %w", err)
	}
	return dom.Parse(payload.URL, payload.HTML)
}

// EnsureReady waits for a document body after the context was lost, e.g.
// by a navigation.
func (p *Page) EnsureReady(ctx context.Context) bool {
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var state string
	err := p.run(readyCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`document.readyState`, &state),
	)
	if err != nil {
		p.logger.Debug("Page did not become ready.", zap.Error(err))
		return false
	}
	return state == "interactive" || state == "complete"
}

type opResponse struct {
	OK      bool    `json:"ok"`
	Message string  `json:"message"`
	Value   string  `json:"value"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// callOp invokes the in-page operation helper.
func (p *Page) callOp(ctx context.Context, name, handle string, arg interface{}) (opResponse, error) {
	var res opResponse
	script := fmt.Sprintf("(%s)(%s, %s, %s)", opsScript, jsonEncode(name), jsonEncode(handle), jsonEncode(arg))
	err := p.evaluate(ctx, script, &res)
	return res, err
}

// Dispatch performs one host operation. Transport problems that stem from a
// replaced document are reported as ContextLost.
func (p *Page) Dispatch(ctx context.Context, op executor.Operation) executor.OpResult {
	res, err := p.dispatch(ctx, op)
	if err != nil {
		if isContextLost(err) {
			return executor.OpResult{ContextLost: true, Message: err.Error()}
		}
		return executor.OpResult{Message: err.Error()}
	}
	return executor.OpResult{Success: res.OK, Message: res.Message, Value: res.Value}
}

func (p *Page) dispatch(ctx context.Context, op executor.Operation) (opResponse, error) {
	switch op.Name {
	case executor.OpNavigate:
		return p.callOp(ctx, "navigate", "", op.Text)
	case executor.OpScrollIntoView:
		return p.callOp(ctx, "scroll_into_view", op.Handle, nil)
	case executor.OpClick:
		return p.callOp(ctx, "click", op.Handle, nil)
	case executor.OpMouseClick:
		return p.mouseClick(ctx, op)
	case executor.OpFocus:
		return p.callOp(ctx, "focus", op.Handle, nil)
	case executor.OpClear:
		return p.callOp(ctx, "clear", op.Handle, nil)
	case executor.OpInsertText:
		if err := p.run(ctx, input.InsertText(op.Text)); err != nil {
			return opResponse{}, err
		}
		return opResponse{OK: true}, nil
	case executor.OpCommit:
		return p.callOp(ctx, "commit", op.Handle, nil)
	case executor.OpReadValue:
		return p.callOp(ctx, "read_value", op.Handle, nil)
	case executor.OpScroll:
		var arg interface{} = op.DeltaY
		if op.Text != "" {
			arg = op.Text
		}
		return p.callOp(ctx, "scroll", op.Handle, arg)
	case executor.OpPress:
		if err := p.run(ctx, keyEvents(op.Text)...); err != nil {
			return opResponse{}, err
		}
		return opResponse{OK: true}, nil
	case executor.OpSelect:
		return p.callOp(ctx, "select", op.Handle, op.Text)
	}
	return opResponse{}, fmt.Errorf("unsupported operation %q", op.Name)
}

// mouseClick synthesizes move, press and release at the element's live center.
func (p *Page) mouseClick(ctx context.Context, op executor.Operation) (opResponse, error) {
	x, y := op.X, op.Y
	if op.Handle != "" {
		center, err := p.callOp(ctx, "center", op.Handle, nil)
		if err != nil {
			return opResponse{}, err
		}
		if !center.OK {
			return center, nil
		}
		x, y = center.X, center.Y
	}
	err := p.run(ctx,
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithButtons(1).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	)
	if err != nil {
		return opResponse{}, err
	}
	return opResponse{OK: true}, nil
}

type keyDef struct {
	code string
	vk   int64
	text string
}

var keyDefs = map[string]keyDef{
	"Enter":      {"Enter", 13, "\r"},
	"Tab":        {"Tab", 9, ""},
	"Escape":     {"Escape", 27, ""},
	"Backspace":  {"Backspace", 8, ""},
	"Delete":     {"Delete", 46, ""},
	"ArrowUp":    {"ArrowUp", 38, ""},
	"ArrowDown":  {"ArrowDown", 40, ""},
	"ArrowLeft":  {"ArrowLeft", 37, ""},
	"ArrowRight": {"ArrowRight", 39, ""},
	"PageUp":     {"PageUp", 33, ""},
	"PageDown":   {"PageDown", 34, ""},
	"Home":       {"Home", 36, ""},
	"End":        {"End", 35, ""},
}

// keyEvents builds the keyDown/keyUp pair for a DOM key value.
func keyEvents(key string) []chromedp.Action {
	def, ok := keyDefs[key]
	if !ok {
		def = keyDef{code: key, text: key}
		if r := []rune(key); len(r) == 1 {
			def.vk = int64(strings.ToUpper(key)[0])
		}
	}
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey(key).
		WithCode(def.code).
		WithWindowsVirtualKeyCode(def.vk).
		WithNativeVirtualKeyCode(def.vk)
	if def.text != "" {
		down = down.WithText(def.text)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(key).
		WithCode(def.code).
		WithWindowsVirtualKeyCode(def.vk).
		WithNativeVirtualKeyCode(def.vk)
	return []chromedp.Action{down, up}
}

// contextLostMarkers are the protocol errors seen when the document that
// owned an execution context has gone away.
var contextLostMarkers = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"inspected target navigated or closed",
	"cannot find default execution context",
	"no node with given id",
}

func isContextLost(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range contextLostMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// close releases the tab.
func (p *Page) close() {
	p.cancel()
}

// jsonEncode encodes a value for embedding in a script.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
