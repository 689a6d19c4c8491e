package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const janitorInterval = 30 * time.Second

// Serve runs the HTTP API and the session janitor until ctx is cancelled or one of them
// fails, then shuts down within the configured timeout.
func Serve(ctx context.Context, res *BuildResult) error {
	ln, err := net.Listen("tcp", res.Config.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", res.Config.BindAddr, err)
	}
	return serveListener(ctx, res, ln)
}

func serveListener(ctx context.Context, res *BuildResult, ln net.Listener) error {
	logger := res.Logger
	httpServer := &http.Server{
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return res.Sessions.RunJanitor(gctx, janitorInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")
		// Event streams are hijacked connections that Shutdown does not close.
		res.API.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), res.Config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})

	err := g.Wait()
	if cerr := res.Cleanup(); cerr != nil {
		logger.Warn("cleanup failed", "error", cerr)
	}
	logger.Info("shutdown complete")
	return err
}
