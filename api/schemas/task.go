package schemas

import "time"

// TaskStatus is the lifecycle phase of a Task.
type TaskStatus string

const (
	TaskStatusIdle           TaskStatus = "IDLE"
	TaskStatusPlanning       TaskStatus = "PLANNING"
	TaskStatusAwaitingAction TaskStatus = "AWAITING_ACTION"
	TaskStatusExecuting      TaskStatus = "EXECUTING"
	TaskStatusVerifying      TaskStatus = "VERIFYING"
	TaskStatusRecovering     TaskStatus = "RECOVERING"
	TaskStatusComplete       TaskStatus = "COMPLETE"
	TaskStatusFailed         TaskStatus = "FAILED"
	// TaskStatusStopped marks a task terminated by an explicit stop request.
	TaskStatusStopped TaskStatus = "STOPPED"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusComplete, TaskStatusFailed, TaskStatusStopped:
		return true
	}
	return false
}

// IsActive reports whether a task in this status occupies its page context.
func (s TaskStatus) IsActive() bool {
	return s != "" && s != TaskStatusIdle && !s.IsTerminal()
}

// StepOutcome is the result of a single executed step.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailure StepOutcome = "failure"
)

// Task is one user-requested goal executed end-to-end against a page context.
// History is append-only.
type Task struct {
	ID            string     `json:"id"`
	ContextID     string     `json:"context_id"`
	Goal          string     `json:"goal"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    time.Time  `json:"finished_at,omitzero"`
	History       []TaskStep `json:"history"`
	Summary       string     `json:"summary,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// TaskStep records one executed (or rejected) action descriptor.
type TaskStep struct {
	Index      int               `json:"index"`
	Action     ActionDescriptor  `json:"action"`
	Resolution *ElementCandidate `json:"resolution,omitempty"`
	Outcome    StepOutcome       `json:"outcome"`
	Attempts   int               `json:"attempts"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Message    string            `json:"message,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// StatusView is the externally visible snapshot of a context's task.
type StatusView struct {
	ContextID   string       `json:"context_id"`
	TaskID      string       `json:"task_id,omitempty"`
	Phase       TaskStatus   `json:"phase"`
	Iteration   int          `json:"iteration"`
	LastMessage string       `json:"last_message,omitempty"`
	Session     SessionPhase `json:"session,omitempty"`
}

// StartResult is the answer to a start request: accepted, or rejected with a reason.
type StartResult struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"task_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
