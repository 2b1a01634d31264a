// Package livesession owns the single long-lived bidirectional session with
// the reasoning service for one task context: handshake, single-flight turns,
// fragment accumulation, keepalive and capped reconnection.
package livesession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
	"go.uber.org/zap"
)

// ErrTurnInFlight is returned by Send while a previous turn is still accumulating.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// transitions is the session phase machine.
var transitions = map[schemas.SessionPhase][]schemas.SessionPhase{
	schemas.SessionDisconnected: {schemas.SessionConnecting},
	schemas.SessionConnecting:   {schemas.SessionHandshaking, schemas.SessionDisconnected, schemas.SessionClosing},
	schemas.SessionHandshaking:  {schemas.SessionReady, schemas.SessionDisconnected, schemas.SessionClosing},
	schemas.SessionReady:        {schemas.SessionClosing, schemas.SessionDisconnected},
	schemas.SessionClosing:      {schemas.SessionDisconnected},
}

// CanTransition reports whether the phase machine permits from -> to.
func CanTransition(from, to schemas.SessionPhase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Options are the collaborators of a Manager. Zero values get defaults.
type Options struct {
	Dialer  Dialer
	Metrics *observability.Metrics
}

// Manager is the Session Protocol Manager. It never calls back into the
// orchestrator; everything it learns is emitted on its EventBus.
type Manager struct {
	cfg     config.SessionConfig
	dialer  Dialer
	metrics *observability.Metrics
	logger  *zap.Logger
	bus     *EventBus

	mu       sync.Mutex
	state    schemas.SessionState
	conn     Conn
	gen      uint64
	setup    SetupOptions
	apiKey   string
	active   bool
	inFlight bool
	discard  bool
	turnID   uint64
	buffer   strings.Builder

	writeMu sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a disconnected Manager.
func NewManager(cfg config.SessionConfig, logger *zap.Logger, opts Options) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer(cfg.HandshakeTimeout)
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		metrics: opts.Metrics,
		logger:  logger.Named("livesession"),
		bus:     NewEventBus(logger, cfg.EventBuffer),
		state:   schemas.SessionState{Phase: schemas.SessionDisconnected},
	}
}

// Subscribe registers for session events. See EventBus.Subscribe.
func (m *Manager) Subscribe(types ...EventType) (<-chan Event, func()) {
	return m.bus.Subscribe(types...)
}

// State returns a copy of the current SessionState.
func (m *Manager) State() schemas.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the transport, sends the handshake and waits for the
// acknowledgement. A missing acknowledgement is not an error: after
// HandshakeTimeout the session is declared ready anyway. A failed first
// attempt is retried under the reconnect policy; exhaustion yields SESSION_LOST.
func (m *Manager) Connect(ctx context.Context, apiKey string, setup SetupOptions) error {
	m.mu.Lock()
	if m.state.Phase != schemas.SessionDisconnected || m.active {
		phase := m.state.Phase
		m.mu.Unlock()
		return fmt.Errorf("cannot connect: session is %s", phase)
	}
	m.apiKey = apiKey
	m.setup = setup
	m.active = true
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	runCtx := m.runCtx
	m.mu.Unlock()

	// Caller cancellation aborts the connect and everything it started.
	stop := context.AfterFunc(ctx, m.runCancel)
	defer stop()

	if err := m.establish(runCtx); err != nil {
		m.logger.Warn("Initial connect failed, retrying.", zap.Error(err))
		if _, err := m.retryEstablish(runCtx); err != nil {
			m.mu.Lock()
			m.active = false
			m.mu.Unlock()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}

	m.wg.Add(1)
	go m.keepalive(runCtx)
	return nil
}

// establish performs one connecting -> handshaking -> ready pass.
func (m *Manager) establish(ctx context.Context) error {
	if ctx.Err() != nil {
		return taskerr.Wrap(taskerr.CodeCanceled, ctx.Err(), "connect aborted")
	}
	if err := m.setPhase(schemas.SessionConnecting); err != nil {
		return err
	}

	m.mu.Lock()
	target, err := m.endpointURL()
	m.mu.Unlock()
	if err != nil {
		m.abandon(nil)
		return taskerr.Wrap(taskerr.CodeTransport, err, "invalid session endpoint")
	}

	conn, err := m.dialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		m.abandon(nil)
		return taskerr.Wrap(taskerr.CodeTransport, err, "dial failed")
	}

	m.mu.Lock()
	if ctx.Err() != nil || m.state.Phase != schemas.SessionConnecting {
		m.mu.Unlock()
		_ = conn.Close()
		m.abandon(nil)
		return taskerr.Wrap(taskerr.CodeCanceled, context.Canceled, "connect aborted")
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.mu.Unlock()

	if err := m.setPhase(schemas.SessionHandshaking); err != nil {
		m.abandon(conn)
		return err
	}

	ack := make(chan struct{})
	readerDone := make(chan struct{})
	m.wg.Add(1)
	go m.readLoop(conn, gen, ack, readerDone)

	m.mu.Lock()
	setup := m.setup
	m.mu.Unlock()
	payload, err := encodeSetup(setup)
	if err == nil {
		err = m.write(conn, payload)
	}
	if err != nil {
		m.abandon(conn)
		return taskerr.Wrap(taskerr.CodeTransport, err, "handshake send failed")
	}

	timer := time.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		m.logger.Debug("Handshake acknowledged.")
	case <-timer.C:
		m.logger.Warn("No handshake acknowledgement, proceeding optimistically.",
			zap.Duration("timeout", m.cfg.HandshakeTimeout))
	case <-readerDone:
		m.abandon(conn)
		return taskerr.New(taskerr.CodeTransport, "connection closed during handshake")
	case <-ctx.Done():
		m.abandon(conn)
		return taskerr.Wrap(taskerr.CodeCanceled, ctx.Err(), "connect aborted")
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		m.abandon(conn)
		return taskerr.New(taskerr.CodeTransport, "connection closed during handshake")
	}
	m.state.ReconnectAttempt = 0
	m.state.LastActivity = time.Now()
	m.mu.Unlock()
	if err := m.setPhase(schemas.SessionReady); err != nil {
		m.abandon(conn)
		return err
	}
	m.logger.Info("Session ready.", zap.String("model", setup.Model))
	return nil
}

// abandon invalidates conn (if still current) and returns to disconnected.
func (m *Manager) abandon(conn Conn) {
	m.mu.Lock()
	if conn != nil && m.conn == conn {
		m.gen++
		m.conn = nil
	}
	phase := m.state.Phase
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if phase != schemas.SessionDisconnected && phase != schemas.SessionClosing {
		_ = m.setPhase(schemas.SessionDisconnected)
	}
}

func (m *Manager) endpointURL() (string, error) {
	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	if m.apiKey != "" {
		q := u.Query()
		q.Set("key", m.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Send transmits one turn and returns its id. Only one turn may be in flight;
// the slot frees when the completion marker arrives or AbandonTurn is called.
func (m *Manager) Send(ctx context.Context, turn Turn) (uint64, error) {
	m.mu.Lock()
	if m.state.Phase != schemas.SessionReady || m.conn == nil {
		phase := m.state.Phase
		m.mu.Unlock()
		return 0, taskerr.New(taskerr.CodeTransport, "session not ready (phase %s)", phase)
	}
	if m.inFlight {
		m.mu.Unlock()
		return 0, ErrTurnInFlight
	}
	m.inFlight = true
	m.turnID++
	id := m.turnID
	m.buffer.Reset()
	conn := m.conn
	m.mu.Unlock()

	payload, err := encodeTurn(turn)
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = m.write(conn, payload)
		}
	}
	if err != nil {
		m.mu.Lock()
		if m.turnID == id {
			m.inFlight = false
		}
		m.mu.Unlock()
		return 0, taskerr.Wrap(taskerr.CodeTransport, err, "send turn")
	}

	m.mu.Lock()
	m.state.LastActivity = time.Now()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.TurnsSent.Inc()
	}
	m.logger.Debug("Turn sent.", zap.Uint64("turn_id", id), zap.Int("image_bytes", len(turn.Image)))
	return id, nil
}

// AbandonTurn frees the in-flight slot after the caller gave up waiting.
// Fragments still arriving for the abandoned turn are dropped up to its
// completion marker.
func (m *Manager) AbandonTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inFlight {
		return
	}
	m.inFlight = false
	m.discard = true
	m.buffer.Reset()
}

// InFlight reports whether a turn is awaiting completion.
func (m *Manager) InFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

func (m *Manager) write(conn Conn, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (m *Manager) readLoop(conn Conn, gen uint64, ack, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	acked := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleTransportLoss(gen, err)
			return
		}

		frame, err := decodeServer(data)
		if err != nil {
			m.logger.Warn("Discarding undecodable server message.", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if frame.setupComplete && !acked {
			acked = true
			close(ack)
		}
		if frame.goAway {
			m.logger.Info("Service announced an imminent disconnect.")
		}
		m.handleContent(gen, frame)
	}
}

func (m *Manager) handleContent(gen uint64, frame serverFrame) {
	if frame.text == "" && !frame.turnComplete {
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state.LastActivity = time.Now()
	if m.discard {
		if frame.turnComplete {
			m.discard = false
		}
		m.mu.Unlock()
		return
	}
	if !m.inFlight {
		m.mu.Unlock()
		m.logger.Debug("Dropping content outside of a turn.")
		return
	}
	id := m.turnID
	m.buffer.WriteString(frame.text)
	var full string
	if frame.turnComplete {
		full = m.buffer.String()
		m.buffer.Reset()
		m.inFlight = false
	}
	ctx := m.runCtx
	m.mu.Unlock()

	if frame.text != "" {
		_ = m.bus.Post(ctx, Event{Type: EventFragment, TurnID: id, Text: frame.text})
	}
	if frame.turnComplete {
		_ = m.bus.Post(ctx, Event{Type: EventTurnComplete, TurnID: id, Text: full})
	}
}

// handleTransportLoss runs on the reader goroutine of a dead connection.
func (m *Manager) handleTransportLoss(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state.Phase == schemas.SessionClosing {
		m.mu.Unlock()
		return
	}
	if m.state.Phase != schemas.SessionReady {
		// Still handshaking: establish sees the dead reader and fails the attempt.
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	wasInFlight := m.inFlight
	m.inFlight = false
	m.discard = false
	m.buffer.Reset()
	active := m.active
	ctx := m.runCtx
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Warn("Session transport lost.", zap.Error(cause), zap.Bool("turn_in_flight", wasInFlight))
	if err := m.setPhase(schemas.SessionDisconnected); err != nil {
		return
	}
	if !active || ctx.Err() != nil {
		return
	}

	attempt, err := m.retryEstablish(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		m.logger.Error("Reconnection exhausted.", zap.Error(err))
		_ = m.bus.Post(ctx, Event{Type: EventSessionLost, Err: err})
		return
	}

	m.logger.Info("Session re-established.", zap.Int("attempt", attempt))
	_ = m.bus.Post(ctx, Event{Type: EventReconnected, Attempt: attempt, Resend: wasInFlight})
}

// retryEstablish makes at most MaxReconnectAttempts connection attempts with
// exponential backoff between them, and returns the number of attempts made.
func (m *Manager) retryEstablish(ctx context.Context) (int, error) {
	maxAttempts := m.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		return 0, taskerr.New(taskerr.CodeSessionLost, "connection lost and reconnection is disabled")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectInitialInterval
	if m.cfg.ReconnectMaxInterval > 0 {
		b.MaxInterval = m.cfg.ReconnectMaxInterval
	}
	if m.cfg.ReconnectMultiplier >= 1 {
		b.Multiplier = m.cfg.ReconnectMultiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	var lastErr error
	operation := func() error {
		// Wait one interval before the first attempt, too.
		if attempt == 0 {
			select {
			case <-time.After(b.InitialInterval):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		attempt++
		m.mu.Lock()
		m.state.ReconnectAttempt = attempt
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ReconnectAttempts.Inc()
		}
		m.logger.Info("Reconnecting.", zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts))

		err := m.establish(ctx)
		if err != nil && taskerr.CodeOf(err) == taskerr.CodeCanceled {
			return backoff.Permanent(err)
		}
		if err != nil {
			lastErr = err
		}
		return err
	}

	// The first call plus MaxReconnectAttempts-1 retries.
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		return attempt, taskerr.Wrap(taskerr.CodeSessionLost, lastErrOr(lastErr, err),
			"connection lost after %d reconnect attempts", attempt)
	}
	return attempt, nil
}

func lastErrOr(last, fallback error) error {
	if last != nil {
		return last
	}
	return fallback
}

func (m *Manager) keepalive(ctx context.Context) {
	defer m.wg.Done()
	if m.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			conn := m.conn
			ready := m.state.Phase == schemas.SessionReady
			m.mu.Unlock()
			if conn == nil || !ready {
				continue
			}
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Debug("Keepalive ping failed.", zap.Error(err))
			}
		}
	}
}

// Disconnect closes the transport, clears buffers and stops reconnection.
// It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.active && m.state.Phase == schemas.SessionDisconnected && m.conn == nil {
		cancel := m.runCancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.wg.Wait()
		return
	}
	m.active = false
	conn := m.conn
	m.conn = nil
	m.gen++
	m.inFlight = false
	m.discard = false
	m.buffer.Reset()
	cancel := m.runCancel
	from := m.state.Phase
	closing := from != schemas.SessionDisconnected
	m.mu.Unlock()

	if closing {
		if err := m.setPhase(schemas.SessionClosing); err != nil {
			m.logger.Debug("Closing from unexpected phase.", zap.String("phase", string(from)))
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	phase := m.state.Phase
	m.mu.Unlock()
	if phase != schemas.SessionDisconnected {
		_ = m.setPhase(schemas.SessionDisconnected)
	}
	m.logger.Info("Session closed.")
}

// Close disconnects and shuts the event bus down. The Manager is unusable afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.bus.Shutdown()
}

// setPhase applies a transition and emits EventPhaseChange.
func (m *Manager) setPhase(to schemas.SessionPhase) error {
	m.mu.Lock()
	from := m.state.Phase
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Error("Rejected invalid session transition.", zap.String("from", string(from)), zap.String("to", string(to)))
		return taskerr.New(taskerr.CodeTransport, "invalid session transition %s -> %s", from, to)
	}
	m.state.Phase = to
	ctx := m.runCtx
	m.mu.Unlock()

	m.logger.Debug("Session phase changed.", zap.String("from", string(from)), zap.String("to", string(to)))
	if ctx == nil {
		ctx = context.Background()
	}
	_ = m.bus.Post(ctx, Event{Type: EventPhaseChange, Phase: to})
	return nil
}
