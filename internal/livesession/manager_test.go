package livesession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"
)

// fakeService is a scripted stand-in for the reasoning service.
type fakeService struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	ack        bool
	fragments  []string
	complete   bool
	dropOnTurn bool  // first connection closes when it receives a turn
	rejectFrom int32 // upgrades numbered >= rejectFrom get 503 (0 disables)

	dials atomic.Int32

	mu     sync.Mutex
	setups []*genai.LiveClientSetup
	turns  []*genai.LiveClientContent
}

func newFakeService(t *testing.T, configure func(*fakeService)) *fakeService {
	t.Helper()
	f := &fakeService{ack: true, complete: true}
	if configure != nil {
		configure(f)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	n := f.dials.Add(1)
	if f.rejectFrom > 0 && n >= f.rejectFrom {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg genai.LiveClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		switch {
		case msg.Setup != nil:
			f.mu.Lock()
			f.setups = append(f.setups, msg.Setup)
			f.mu.Unlock()
			if f.ack {
				f.send(conn, &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}})
			}
		case msg.ClientContent != nil:
			f.mu.Lock()
			f.turns = append(f.turns, msg.ClientContent)
			f.mu.Unlock()
			if f.dropOnTurn && n == 1 {
				return
			}
			for _, frag := range f.fragments {
				f.send(conn, &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
					ModelTurn: genai.NewContentFromText(frag, genai.RoleModel),
				}})
			}
			if f.complete {
				f.send(conn, &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}})
			}
		}
	}
}

func (f *fakeService) send(conn *websocket.Conn, msg *genai.LiveServerMessage) {
	data, _ := json.Marshal(msg)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fakeService) recordedTurns() []*genai.LiveClientContent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*genai.LiveClientContent(nil), f.turns...)
}

func testSessionConfig(endpoint string) config.SessionConfig {
	cfg := config.NewDefaultConfig().Session
	cfg.Endpoint = endpoint
	cfg.HandshakeTimeout = 500 * time.Millisecond
	cfg.ReconnectInitialInterval = 5 * time.Millisecond
	cfg.ReconnectMaxInterval = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.PingInterval = 0
	cfg.WriteTimeout = time.Second
	return cfg
}

func waitForEvent(t *testing.T, ch <-chan Event, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to schemas.SessionPhase
		want     bool
	}{
		{schemas.SessionDisconnected, schemas.SessionConnecting, true},
		{schemas.SessionConnecting, schemas.SessionHandshaking, true},
		{schemas.SessionHandshaking, schemas.SessionReady, true},
		{schemas.SessionReady, schemas.SessionClosing, true},
		{schemas.SessionClosing, schemas.SessionDisconnected, true},
		{schemas.SessionReady, schemas.SessionDisconnected, true},
		{schemas.SessionDisconnected, schemas.SessionReady, false},
		{schemas.SessionConnecting, schemas.SessionReady, false},
		{schemas.SessionClosing, schemas.SessionConnecting, false},
		{schemas.SessionReady, schemas.SessionHandshaking, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestManager_TurnRoundTrip(t *testing.T) {
	svc := newFakeService(t, func(f *fakeService) { f.fragments = []string{`{"action":`, `"click"}`} })
	m := NewManager(testSessionConfig(svc.endpoint()), zaptest.NewLogger(t), Options{})
	defer m.Close()

	events, unsubscribe := m.Subscribe(EventFragment, EventTurnComplete)
	defer unsubscribe()

	require.NoError(t, m.Connect(context.Background(), "secret", SetupOptions{
		Model:        "models/test",
		Temperature:  0.1,
		Instructions: "Reply with one action.",
	}))
	assert.Equal(t, schemas.SessionReady, m.State().Phase)

	id, err := m.Send(context.Background(), Turn{Text: "goal: click", Image: []byte{0xff, 0xd8}})
	require.NoError(t, err)

	first := waitForEvent(t, events, EventFragment, 2*time.Second)
	assert.Equal(t, `{"action":`, first.Text)
	assert.Equal(t, id, first.TurnID)

	done := waitForEvent(t, events, EventTurnComplete, 2*time.Second)
	assert.Equal(t, `{"action":"click"}`, done.Text)
	assert.Equal(t, id, done.TurnID)
	assert.False(t, m.InFlight())

	svc.mu.Lock()
	require.Len(t, svc.setups, 1)
	setup := svc.setups[0]
	svc.mu.Unlock()
	assert.Equal(t, "models/test", setup.Model)
	require.NotNil(t, setup.SystemInstruction)
	assert.Equal(t, "Reply with one action.", setup.SystemInstruction.Parts[0].Text)

	turns := svc.recordedTurns()
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Turns, 1)
	parts := turns[0].Turns[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].InlineData, "image part comes first")
	assert.Equal(t, "image/jpeg", parts[0].InlineData.MIMEType)
	assert.Equal(t, "goal: click", parts[1].Text)
	assert.True(t, turns[0].TurnComplete)
}

func TestManager_HandshakeTimeoutProceeds(t *testing.T) {
	svc := newFakeService(t, func(f *fakeService) { f.ack = false })
	cfg := testSessionConfig(svc.endpoint())
	cfg.HandshakeTimeout = 150 * time.Millisecond
	m := NewManager(cfg, zaptest.NewLogger(t), Options{})
	defer m.Close()

	start := time.Now()
	require.NoError(t, m.Connect(context.Background(), "", SetupOptions{Model: "models/test"}))
	assert.GreaterOrEqual(t, time.Since(start), cfg.HandshakeTimeout)
	assert.Equal(t, schemas.SessionReady, m.State().Phase)
}

func TestManager_SingleTurnInFlight(t *testing.T) {
	svc := newFakeService(t, func(f *fakeService) { f.complete = false })
	m := NewManager(testSessionConfig(svc.endpoint()), zaptest.NewLogger(t), Options{})
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "", SetupOptions{}))

	_, err := m.Send(context.Background(), Turn{Text: "one"})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), Turn{Text: "two"})
	assert.ErrorIs(t, err, ErrTurnInFlight)

	m.AbandonTurn()
	assert.False(t, m.InFlight())
	_, err = m.Send(context.Background(), Turn{Text: "three"})
	assert.NoError(t, err)
}

func TestManager_SendRequiresReady(t *testing.T) {
	m := NewManager(testSessionConfig("ws://127.0.0.1:1"), zaptest.NewLogger(t), Options{})
	defer m.Close()

	_, err := m.Send(context.Background(), Turn{Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, taskerr.CodeTransport, taskerr.CodeOf(err))
}

func TestManager_ReconnectCapThenSessionLost(t *testing.T) {
	svc := newFakeService(t, func(f *fakeService) {
		f.dropOnTurn = true
		f.rejectFrom = 2
	})
	metrics := observability.NewMetrics()
	cfg := testSessionConfig(svc.endpoint())
	m := NewManager(cfg, zaptest.NewLogger(t), Options{Metrics: metrics})
	defer m.Close()

	events, unsubscribe := m.Subscribe(EventSessionLost, EventReconnected)
	defer unsubscribe()

	require.NoError(t, m.Connect(context.Background(), "", SetupOptions{}))
	_, err := m.Send(context.Background(), Turn{Text: "turn"})
	require.NoError(t, err)

	lost := waitForEvent(t, events, EventSessionLost, 5*time.Second)
	assert.Equal(t, taskerr.CodeSessionLost, taskerr.CodeOf(lost.Err))

	// One initial dial plus exactly MaxReconnectAttempts reconnects.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1+cfg.MaxReconnectAttempts), svc.dials.Load())
	assert.Equal(t, float64(cfg.MaxReconnectAttempts), testutil.ToFloat64(metrics.ReconnectAttempts))
	assert.Equal(t, schemas.SessionDisconnected, m.State().Phase)
	assert.False(t, m.InFlight())
}

func TestManager_ReconnectFlagsResend(t *testing.T) {
	svc := newFakeService(t, func(f *fakeService) {
		f.dropOnTurn = true
		f.fragments = []string{"ok"}
	})
	m := NewManager(testSessionConfig(svc.endpoint()), zaptest.NewLogger(t), Options{})
	defer m.Close()

	events, unsubscribe := m.Subscribe(EventReconnected, EventTurnComplete)
	defer unsubscribe()

	require.NoError(t, m.Connect(context.Background(), "", SetupOptions{}))
	_, err := m.Send(context.Background(), Turn{Text: "first"})
	require.NoError(t, err)

	ev := waitForEvent(t, events, EventReconnected, 5*time.Second)
	assert.True(t, ev.Resend)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, schemas.SessionReady, m.State().Phase)
	assert.False(t, m.InFlight(), "the in-flight turn is cleared on transport loss")

	_, err = m.Send(context.Background(), Turn{Text: "first again"})
	require.NoError(t, err)
	done := waitForEvent(t, events, EventTurnComplete, 2*time.Second)
	assert.Equal(t, "ok", done.Text)
}

func TestManager_ConnectFailureSurfacesSessionLost(t *testing.T) {
	svc := newFakeService(t, func(f *fakeService) { f.rejectFrom = 1 })
	cfg := testSessionConfig(svc.endpoint())
	cfg.MaxReconnectAttempts = 2
	m := NewManager(cfg, zaptest.NewLogger(t), Options{})
	defer m.Close()

	err := m.Connect(context.Background(), "", SetupOptions{})
	require.Error(t, err)
	assert.Equal(t, taskerr.CodeSessionLost, taskerr.CodeOf(err))
	assert.Equal(t, int32(3), svc.dials.Load())
	assert.Equal(t, schemas.SessionDisconnected, m.State().Phase)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	svc := newFakeService(t, nil)
	m := NewManager(testSessionConfig(svc.endpoint()), zaptest.NewLogger(t), Options{})
	defer m.Close()

	phases, unsubscribe := m.Subscribe(EventPhaseChange)
	defer unsubscribe()

	require.NoError(t, m.Connect(context.Background(), "", SetupOptions{}))
	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, schemas.SessionDisconnected, m.State().Phase)

	var seen []schemas.SessionPhase
	for len(phases) > 0 {
		seen = append(seen, (<-phases).Phase)
	}
	assert.Equal(t, []schemas.SessionPhase{
		schemas.SessionConnecting,
		schemas.SessionHandshaking,
		schemas.SessionReady,
		schemas.SessionClosing,
		schemas.SessionDisconnected,
	}, seen)

	_, err := m.Send(context.Background(), Turn{Text: "late"})
	assert.Error(t, err)

	// A closed session can be opened again.
	require.NoError(t, m.Connect(context.Background(), "", SetupOptions{}))
	assert.Equal(t, schemas.SessionReady, m.State().Phase)
}
