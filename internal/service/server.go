package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/taskpilot/internal/config"
)

const defaultShutdownTimeout = 10 * time.Second

// Serve runs the control API on ln until ctx is done, then shuts the HTTP
// server down gracefully and releases the components.
func Serve(ctx context.Context, ln net.Listener, c *Components, cfg *config.Config, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           NewRouter(c, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Control API listening.", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down control API.")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Websocket listeners are hijacked and ignored by Shutdown.
		c.Hub.Close()
		err := srv.Shutdown(shutdownCtx)
		c.Shutdown()
		return err
	})
	return g.Wait()
}

// ListenAndServe opens cfg.Server.Addr and calls Serve.
func ListenAndServe(ctx context.Context, c *Components, cfg *config.Config, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		c.Shutdown()
		return err
	}
	return Serve(ctx, ln, c, cfg, logger)
}
