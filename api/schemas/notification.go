package schemas

import "time"

// NotificationType classifies a status event pushed to the user.
type NotificationType string

const (
	NotifyConnecting NotificationType = "connecting"
	NotifyReady      NotificationType = "ready"
	NotifyExecuting  NotificationType = "executing"
	NotifyMessage    NotificationType = "message"
	NotifyError      NotificationType = "error"
	NotifyComplete   NotificationType = "complete"
	NotifyStopped    NotificationType = "stopped"
)

// Notification is one fire-and-forget status event.
type Notification struct {
	Type      NotificationType `json:"type"`
	ContextID string           `json:"context_id"`
	TaskID    string           `json:"task_id,omitempty"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"ts"`
}
