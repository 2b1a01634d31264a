// Package notify delivers task status notifications. Delivery is
// fire-and-forget: a slow or failing sink never blocks a task.
package notify

import (
	"context"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// Sink receives notifications. agent.Notifier is the same shape.
type Sink interface {
	Notify(ctx context.Context, n schemas.Notification)
}

// Logger writes every notification to a zap logger.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a Logger sink.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("notify")}
}

func (l *Logger) Notify(_ context.Context, n schemas.Notification) {
	fields := []zap.Field{
		zap.String("type", string(n.Type)),
		zap.String("context_id", n.ContextID),
		zap.String("task_id", n.TaskID),
	}
	switch n.Type {
	case schemas.NotifyError:
		l.logger.Warn(n.Message, fields...)
	case schemas.NotifyExecuting, schemas.NotifyConnecting:
		l.logger.Debug(n.Message, fields...)
	default:
		l.logger.Info(n.Message, fields...)
	}
}

// Multi fans a notification out to every sink in order.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n schemas.Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, n)
		}
	}
}

// sanitizer strips markup from model-authored text before it reaches a
// browser-side listener.
var sanitizer = bluemonday.StrictPolicy()

// Sanitize returns n with its message reduced to plain text.
func Sanitize(n schemas.Notification) schemas.Notification {
	n.Message = sanitizer.Sanitize(n.Message)
	return n
}
