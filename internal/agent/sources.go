package agent

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/browser/session"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/livesession"
	"github.com/xkilldash9x/taskpilot/internal/observability"
)

// LiveSessions opens one livesession.Manager per task.
func LiveSessions(cfg config.SessionConfig, logger *zap.Logger, metrics *observability.Metrics) SessionFactory {
	return func(contextID string) Session {
		return livesession.NewManager(cfg, logger.With(zap.String("context_id", contextID)), livesession.Options{Metrics: metrics})
	}
}

// BrowserPages serves pages from a chromedp browser pool.
type BrowserPages struct {
	Pool *session.Pool
}

// Acquire returns the tab of contextID, opening it on first use.
func (b BrowserPages) Acquire(contextID string) (Page, error) {
	pg, err := b.Pool.Page(contextID)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// Release keeps the tab open so the next task of the context continues on the
// same page. Pool.Release closes it explicitly.
func (b BrowserPages) Release(string) {}
