package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/browser/dom"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/executor"
	"github.com/xkilldash9x/taskpilot/internal/livesession"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/resolver"
	"github.com/xkilldash9x/taskpilot/internal/store"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
)

// script decides what the fake reasoning service emits for the nth turn.
// A TurnComplete event with a zero TurnID is stamped with the turn's id.
type script func(n int, turn livesession.Turn) []livesession.Event

func reply(text string) []livesession.Event {
	return []livesession.Event{{Type: livesession.EventTurnComplete, Text: text}}
}

// replies answers turn n with texts[n-1] and stays silent afterwards.
func replies(texts ...string) script {
	return func(n int, _ livesession.Turn) []livesession.Event {
		if n > len(texts) {
			return nil
		}
		return reply(texts[n-1])
	}
}

func always(text string) script {
	return func(int, livesession.Turn) []livesession.Event { return reply(text) }
}

type fakeSession struct {
	mu         sync.Mutex
	script     script
	connectErr error
	sent       []livesession.Turn
	turnID     uint64
	abandoned  int
	closed     bool
	events     chan livesession.Event
}

func newFakeSession(s script) *fakeSession {
	return &fakeSession{script: s, events: make(chan livesession.Event, 64)}
}

func (f *fakeSession) Connect(context.Context, string, livesession.SetupOptions) error {
	return f.connectErr
}

func (f *fakeSession) Send(_ context.Context, turn livesession.Turn) (uint64, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, taskerr.New(taskerr.CodeTransport, "session not ready")
	}
	f.turnID++
	id := f.turnID
	f.sent = append(f.sent, turn)
	evs := f.script(len(f.sent), turn)
	f.mu.Unlock()

	for _, ev := range evs {
		if ev.Type == livesession.EventTurnComplete && ev.TurnID == 0 {
			ev.TurnID = id
		}
		f.events <- ev
	}
	return id, nil
}

func (f *fakeSession) AbandonTurn() {
	f.mu.Lock()
	f.abandoned++
	f.mu.Unlock()
}

func (f *fakeSession) Subscribe(...livesession.EventType) (<-chan livesession.Event, func()) {
	return f.events, func() {}
}

func (f *fakeSession) State() schemas.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return schemas.SessionState{Phase: schemas.SessionDisconnected}
	}
	return schemas.SessionState{Phase: schemas.SessionReady}
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) turns() []livesession.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]livesession.Turn(nil), f.sent...)
}

// searchPage simulates a search form with a text field named q and a submit
// button. Submitting replaces it with a results page.
type searchPage struct {
	mu         sync.Mutex
	value      string
	focused    string
	submitted  bool
	restricted bool
}

func (p *searchPage) EnsureReady(context.Context) bool { return true }

func (p *searchPage) Capture(context.Context) ([]byte, error) {
	if p.restricted {
		return nil, nil
	}
	return []byte("jpeg"), nil
}

func (p *searchPage) Snapshot(context.Context) (*dom.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitted {
		return dom.Parse("https://search.example.com/results",
			fmt.Sprintf(`<html><body><h1 data-tp-id="9" data-tp-box="0,0,600,40" data-tp-visible="1">Results for %s</h1></body></html>`, p.value))
	}
	return dom.Parse("https://search.example.com/", fmt.Sprintf(`<html><body><form>
		<input name="q" type="text" data-tp-id="1" data-tp-box="100,10,400,30" data-tp-visible="1" data-tp-value="%s">
		<button type="submit" data-tp-id="2" data-tp-box="510,10,80,30" data-tp-visible="1">Search</button>
	</form></body></html>`, p.value))
}

func (p *searchPage) Dispatch(_ context.Context, op executor.Operation) executor.OpResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch op.Name {
	case executor.OpScrollIntoView, executor.OpCommit:
	case executor.OpClick, executor.OpFocus:
		p.focused = op.Handle
		if op.Name == executor.OpClick && op.Handle == "2" {
			p.submitted = true
		}
	case executor.OpClear:
		p.value = ""
	case executor.OpInsertText:
		if p.focused == "1" {
			p.value += op.Text
		}
	case executor.OpReadValue:
		return executor.OpResult{Success: true, Value: p.value}
	case executor.OpPress:
		if op.Text == "Enter" && p.focused == "1" {
			p.submitted = true
		}
	default:
		return executor.OpResult{Message: "unsupported " + string(op.Name)}
	}
	return executor.OpResult{Success: true}
}

func (p *searchPage) fieldValue() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

type fakePages struct {
	page     Page
	released int
	mu       sync.Mutex
}

func (f *fakePages) Acquire(string) (Page, error) { return f.page, nil }

func (f *fakePages) Release(string) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

type mapSettings map[string]string

func (m mapSettings) Get(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("setting %q not found", key)
	}
	return v, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []schemas.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n schemas.Notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []schemas.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schemas.NotificationType
	for _, n := range r.events {
		out = append(out, n.Type)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Session.TurnTimeout = 5 * time.Second
	cfg.Task.RetryDelay = time.Millisecond
	cfg.Task.SettleWait = 0
	cfg.Task.NavigationWait = 0
	cfg.Task.VerifyWait = time.Millisecond
	cfg.Task.TypingMinDelay = 0
	cfg.Task.TypingMaxDelay = 0
	cfg.Task.MinTurnInterval = 0
	return cfg
}

type harness struct {
	orch     *Orchestrator
	session  *fakeSession
	page     *searchPage
	pages    *fakePages
	notifier *recordingNotifier
	metrics  *observability.Metrics
	archive  *store.Memory
}

func newHarness(t *testing.T, cfg *config.Config, s script) *harness {
	t.Helper()
	h := &harness{
		session:  newFakeSession(s),
		page:     &searchPage{},
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(),
		archive:  store.NewMemory(),
	}
	h.pages = &fakePages{page: h.page}
	logger := zaptest.NewLogger(t)
	orch, err := New(cfg, Dependencies{
		Sessions: func(string) Session { return h.session },
		Pages:    h.pages,
		Settings: mapSettings{cfg.Session.CredentialKey: "test-key"},
		Notifier: h.notifier,
		Archive:  h.archive,
		Resolver: resolver.New(cfg.Resolver, logger),
		Metrics:  h.metrics,
	}, logger)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) start(t *testing.T, goal string) {
	t.Helper()
	res := h.orch.StartTask(context.Background(), "tab-1", goal)
	require.True(t, res.Accepted, res.Reason)
}

func (h *harness) wait(t *testing.T) schemas.Task {
	t.Helper()
	select {
	case <-h.orch.Done("tab-1"):
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
	}
	task, ok := h.orch.Task("tab-1")
	require.True(t, ok)
	return task
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
