package agent

import (
	"context"
	"sync"
	"time"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// record is the per-context state owned by the Orchestrator. The run loop is
// the only writer of the task apart from a stop request, and both go through mu.
type record struct {
	contextID string

	mu          sync.Mutex
	task        schemas.Task
	iteration   int
	lastMessage string
	session     Session
	cancel      context.CancelFunc
	done        chan struct{}
}

func newRecord(contextID string, task schemas.Task, cancel context.CancelFunc) *record {
	return &record{
		contextID: contextID,
		task:      task,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (r *record) status() schemas.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Status
}

// setStatus moves a live task to s. Terminal tasks never change again.
func (r *record) setStatus(s schemas.TaskStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task.Status.IsTerminal() {
		return false
	}
	r.task.Status = s
	return true
}

// finish applies a terminal status once and reports whether it did.
func (r *record) finish(s schemas.TaskStatus, summary, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task.Status.IsTerminal() {
		return false
	}
	r.task.Status = s
	r.task.FinishedAt = time.Now().UTC()
	r.task.Summary = summary
	r.task.FailureReason = reason
	switch {
	case summary != "":
		r.lastMessage = summary
	case reason != "":
		r.lastMessage = reason
	}
	return true
}

func (r *record) appendStep(step schemas.TaskStep) schemas.TaskStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.Index = len(r.task.History)
	r.task.History = append(r.task.History, step)
	return step
}

// recent returns a copy of the last n steps.
func (r *record) recent(n int) []schemas.TaskStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.task.History
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]schemas.TaskStep(nil), h...)
}

func (r *record) setMessage(msg string) {
	r.mu.Lock()
	r.lastMessage = msg
	r.mu.Unlock()
}

func (r *record) bindSession(s Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *record) currentSession() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// nextIteration counts one outbound turn.
func (r *record) nextIteration() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iteration++
	return r.iteration
}

func (r *record) iterations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iteration
}

// snapshot copies the task, history included.
func (r *record) snapshot() schemas.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.task
	t.History = append([]schemas.TaskStep(nil), r.task.History...)
	return t
}

func (r *record) view() schemas.StatusView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := schemas.StatusView{
		ContextID:   r.contextID,
		TaskID:      r.task.ID,
		Phase:       r.task.Status,
		Iteration:   r.iteration,
		LastMessage: r.lastMessage,
	}
	if r.session != nil {
		v.Session = r.session.State().Phase
	}
	return v
}
