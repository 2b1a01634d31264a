package livesession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/taskpilot/api/schemas"
	"go.uber.org/zap"
)

// EventType discriminates the events a Manager emits.
type EventType string

const (
	// EventPhaseChange reports a SessionState phase transition.
	EventPhaseChange EventType = "phase_change"
	// EventFragment carries one streamed text fragment of the current turn.
	EventFragment EventType = "fragment"
	// EventTurnComplete carries the full accumulated text of a finished turn.
	EventTurnComplete EventType = "turn_complete"
	// EventReconnected follows a successful reconnect. Resend is set when a
	// turn was in flight at the time of the drop.
	EventReconnected EventType = "reconnected"
	// EventSessionLost is emitted once reconnection has been exhausted.
	EventSessionLost EventType = "session_lost"
)

var allEventTypes = []EventType{EventPhaseChange, EventFragment, EventTurnComplete, EventReconnected, EventSessionLost}

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      EventType
	Phase     schemas.SessionPhase
	TurnID    uint64
	Text      string
	Attempt   int
	Resend    bool
	Err       error
}

// EventBus fans Manager events out to subscribers. Sends block while a
// subscriber buffer is full (backpressure) until the caller's context ends.
type EventBus struct {
	logger *zap.Logger

	subscribers map[EventType][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	activePostsWg sync.WaitGroup

	isShutdown bool
	shutdownMu sync.Mutex
}

// NewEventBus initializes the EventBus.
func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Post delivers ev to every subscriber of its type.
func (b *EventBus) Post(ctx context.Context, ev Event) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post event: bus is shut down")
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	// A send on a channel closed by a concurrent unsubscribe panics.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("Recovered from panic in Post, likely due to shutdown.", zap.Any("panic", r))
			err = fmt.Errorf("failed to post event: bus is shutting down")
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[ev.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	subsCopy := make([]chan Event, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		// Prefer delivery over cancellation when there is room.
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given event types, or all types
// when none are named, and a function that removes the subscription.
func (b *EventBus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(types) == 0 {
		types = allEventTypes
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isShutdown {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Shutdown closes every subscriber channel and waits for in-flight posts.
func (b *EventBus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	unique := make(map[chan Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[EventType][]chan Event)
	b.mu.Unlock()

	b.activePostsWg.Wait()
}
