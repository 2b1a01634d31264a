// Package agent holds the Task Orchestrator: a registry of per-context task
// records, each driven by its own control loop through planning, action,
// execution, verification and recovery until it completes, fails or is stopped.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/browser/dom"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/executor"
	"github.com/xkilldash9x/taskpilot/internal/livesession"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/resolver"
)

// Session is the part of the session protocol manager the orchestrator uses.
// *livesession.Manager satisfies it.
type Session interface {
	Connect(ctx context.Context, apiKey string, setup livesession.SetupOptions) error
	Send(ctx context.Context, turn livesession.Turn) (uint64, error)
	AbandonTurn()
	Subscribe(types ...livesession.EventType) (<-chan livesession.Event, func())
	State() schemas.SessionState
	Close()
}

// SessionFactory opens a fresh session for a task context.
type SessionFactory func(contextID string) Session

// Page is a controllable page context: an execution host that can also be
// captured and snapshotted.
type Page interface {
	executor.Host
	Capture(ctx context.Context) ([]byte, error)
	Snapshot(ctx context.Context) (*dom.Snapshot, error)
}

// Pages hands out the page of a context.
type Pages interface {
	Acquire(contextID string) (Page, error)
	Release(contextID string)
}

// Settings reads stored settings such as the reasoning-service credential.
type Settings interface {
	Get(ctx context.Context, key string) (string, error)
}

// Notifier receives status events. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n schemas.Notification)
}

// Archive keeps finished tasks.
type Archive interface {
	SaveTask(ctx context.Context, task schemas.Task) error
}

// Dependencies are the collaborators of an Orchestrator. Archive, Settings,
// Notifier and Metrics are optional.
type Dependencies struct {
	Sessions SessionFactory
	Pages    Pages
	Settings Settings
	Notifier Notifier
	Archive  Archive
	Resolver *resolver.Resolver
	Metrics  *observability.Metrics
}

// Orchestrator owns one record per page context and at most one active task each.
type Orchestrator struct {
	cfg    *config.Config
	deps   Dependencies
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*record
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator. Sessions, Pages and Resolver are required.
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator requires a configuration")
	}
	if deps.Sessions == nil || deps.Pages == nil || deps.Resolver == nil {
		return nil, errors.New("orchestrator requires sessions, pages and a resolver")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("orchestrator"),
		records: make(map[string]*record),
	}, nil
}

// StartTask accepts goal for contextID unless a task is already active there.
// The task runs in the background and outlives ctx.
func (o *Orchestrator) StartTask(ctx context.Context, contextID, goal string) schemas.StartResult {
	contextID = strings.TrimSpace(contextID)
	goal = strings.TrimSpace(goal)
	if contextID == "" {
		return schemas.StartResult{Reason: "a context id is required"}
	}
	if goal == "" {
		return schemas.StartResult{Reason: "the goal is empty"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return schemas.StartResult{Reason: "the orchestrator is shutting down"}
	}
	var prevDone <-chan struct{}
	if prev, ok := o.records[contextID]; ok {
		if prev.status().IsActive() {
			return schemas.StartResult{Reason: fmt.Sprintf("task %s is already active in context %s", prev.snapshot().ID, contextID)}
		}
		prevDone = prev.done
	}

	task := schemas.Task{
		ID:        uuid.New().String(),
		ContextID: contextID,
		Goal:      goal,
		Status:    schemas.TaskStatusPlanning,
		CreatedAt: time.Now().UTC(),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := newRecord(contextID, task, cancel)
	o.records[contextID] = rec

	if m := o.deps.Metrics; m != nil {
		m.TasksActive.Inc()
	}
	o.wg.Add(1)
	go o.run(runCtx, rec, prevDone)

	o.logger.Info("Task accepted.", observability.TaskFields(task.ID, contextID)...)
	return schemas.StartResult{Accepted: true, TaskID: task.ID}
}

// StopTask terminates the task of contextID, closes its session and discards
// pending timers. Actions already applied to the page are not undone.
// Stopping an idle or finished context is a no-op.
func (o *Orchestrator) StopTask(contextID string) {
	rec := o.lookup(contextID)
	if rec == nil {
		return
	}
	if o.finish(rec, schemas.TaskStatusStopped, "", "stopped by request") {
		o.logger.Info("Task stopped.", observability.TaskFields(rec.snapshot().ID, contextID)...)
		o.notify(rec, schemas.NotifyStopped, "Task stopped.")
	}
	rec.cancel()
	if s := rec.currentSession(); s != nil {
		s.Close()
	}
}

// GetStatus reports the phase of contextID. Unknown contexts are idle.
func (o *Orchestrator) GetStatus(contextID string) schemas.StatusView {
	rec := o.lookup(contextID)
	if rec == nil {
		return schemas.StatusView{ContextID: contextID, Phase: schemas.TaskStatusIdle}
	}
	return rec.view()
}

// Task returns a copy of the latest task of contextID, history included.
func (o *Orchestrator) Task(contextID string) (schemas.Task, bool) {
	rec := o.lookup(contextID)
	if rec == nil {
		return schemas.Task{}, false
	}
	return rec.snapshot(), true
}

// Done is closed once the latest task of contextID has released its resources.
func (o *Orchestrator) Done(contextID string) <-chan struct{} {
	rec := o.lookup(contextID)
	if rec == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return rec.done
}

// Shutdown stops every task and waits for the loops to exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.records))
	for id := range o.records {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.StopTask(id)
	}
	o.wg.Wait()
}

func (o *Orchestrator) lookup(contextID string) *record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.records[contextID]
}

// finish applies a terminal status once and counts it.
func (o *Orchestrator) finish(rec *record, s schemas.TaskStatus, summary, reason string) bool {
	if !rec.finish(s, summary, reason) {
		return false
	}
	if m := o.deps.Metrics; m != nil {
		m.TasksFinished.WithLabelValues(string(s)).Inc()
	}
	return true
}

func (o *Orchestrator) notify(rec *record, typ schemas.NotificationType, msg string) {
	o.deps.Notifier.Notify(context.Background(), schemas.Notification{
		Type:      typ,
		ContextID: rec.contextID,
		TaskID:    rec.task.ID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, schemas.Notification) {}
