package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/config"
)

// Pool owns one browser process and hands out one tab per task context.
type Pool struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	mu      sync.Mutex
	pages   map[string]*Page
	started bool
	closed  bool
}

// AllocatorOptions builds the exec allocator flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// NewPool starts the browser lazily: the process launches with the first tab.
func NewPool(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Pool {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	log := logger.Named("browser")
	browserCtx, browserStop := chromedp.NewContext(allocCtx, chromedp.WithLogf(log.Sugar().Debugf))
	return &Pool{
		cfg:         cfg,
		logger:      log,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
		pages:       make(map[string]*Page),
	}
}

// Page returns the tab for contextID, opening it on first use.
func (p *Pool) Page(contextID string) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("browser pool is closed")
	}
	if pg, ok := p.pages[contextID]; ok && pg.ctx.Err() == nil {
		return pg, nil
	}

	if !p.started {
		// Launch the process; its initial blank tab stays idle.
		if err := chromedp.Run(p.browserCtx); err != nil {
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
		p.started = true
	}
	tabCtx, cancel := chromedp.NewContext(p.browserCtx)

	setup := chromedp.Tasks{}
	if p.cfg.ViewportWidth > 0 && p.cfg.ViewportHeight > 0 {
		setup = append(setup, emulation.SetDeviceMetricsOverride(int64(p.cfg.ViewportWidth), int64(p.cfg.ViewportHeight), 1, false))
	}
	// The first Run on a context creates the target and binds its lifetime,
	// so it must not see a shorter-lived context.
	if err := chromedp.Run(tabCtx, setup); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab for context %s: %w", contextID, err)
	}

	pg := &Page{
		contextID: contextID,
		ctx:       tabCtx,
		cancel:    cancel,
		cfg:       p.cfg,
		logger:    p.logger.With(zap.String("context_id", contextID)),
	}
	p.pages[contextID] = pg
	p.logger.Debug("Opened tab.", zap.String("context_id", contextID))
	return pg, nil
}

// Release closes the tab of contextID, if any.
func (p *Pool) Release(contextID string) {
	p.mu.Lock()
	pg, ok := p.pages[contextID]
	delete(p.pages, contextID)
	p.mu.Unlock()
	if ok {
		pg.close()
	}
}

// Close shuts every tab and the browser process down.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pages := p.pages
	p.pages = map[string]*Page{}
	p.mu.Unlock()

	for _, pg := range pages {
		pg.close()
	}
	p.browserStop()
	p.allocCancel()
	p.logger.Debug("Browser pool closed.")
}
