package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownContext returns a context cancelled by the first SIGINT or SIGTERM.
// Cancellation stops an upload between chunks and leaves its session record
// for a later resume. A second signal exits immediately. The returned stop
// function releases the signal handler and must be called when the command
// finishes.
func shutdownContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	var once sync.Once

	stop := func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("interrupted, stopping after the current request",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-done:
			return
		case <-parent.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("second interrupt, exiting now", slog.String("signal", sig.String()))
			os.Exit(1)
		case <-done:
		case <-parent.Done():
		}
	}()

	return ctx, stop
}
