// Package service wires the task orchestration components together and
// exposes them over the HTTP control API.
package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/agent"
	"github.com/xkilldash9x/taskpilot/internal/cache"
	"github.com/xkilldash9x/taskpilot/internal/notify"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/store"
)

// Browser is the part of the browser pool that needs shutting down.
type Browser interface {
	Close()
}

// Components holds everything a running orchestrator depends on and owns
// their shutdown order.
type Components struct {
	Store        store.Backend
	Settings     *store.Overlay
	Cache        cache.Backend
	Browser      Browser
	Pages        agent.Pages
	Hub          *notify.Hub
	Metrics      *observability.Metrics
	Orchestrator *agent.Orchestrator

	logger   *zap.Logger
	shutdown sync.Once
}

// Shutdown releases the components, producers first. It is safe to call on a
// partially built set and more than once.
func (c *Components) Shutdown() {
	c.shutdown.Do(func() {
		logger := c.logger
		if logger == nil {
			logger = observability.GetLogger()
		}
		logger.Debug("Beginning components shutdown sequence.")

		// 1. Stop the tasks so nothing touches the page or the session again.
		if c.Orchestrator != nil {
			c.Orchestrator.Shutdown()
			logger.Debug("Orchestrator stopped.")
		}

		// 2. Disconnect status listeners.
		if c.Hub != nil {
			c.Hub.Close()
			logger.Debug("Notification hub closed.")
		}

		// 3. Close the tabs and the browser process.
		if c.Browser != nil {
			c.Browser.Close()
			logger.Debug("Browser pool closed.")
		}

		// 4. Storage last: finished tasks are archived during step 1.
		if c.Cache != nil {
			if err := c.Cache.Close(); err != nil {
				logger.Warn("Error closing resolution cache.", zap.Error(err))
			}
		}
		if c.Store != nil {
			c.Store.Close()
			logger.Debug("Store closed.")
		}

		logger.Info("All components shut down.")
	})
}
