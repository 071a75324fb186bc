package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/internal/upload"
)

// Retry backoff bounds for put --retries.
const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 60 * time.Second
	retryJitter    = 0.25
)

// retrier repeats an upload attempt while the failure is retryable. The
// upload core itself never retries; this is the caller-side policy.
type retrier struct {
	attempts int // retries after the first attempt
	base     time.Duration
	max      time.Duration
	rand     func() float64 // in [0,1)
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

func newRetrier(retries int, logger *slog.Logger) *retrier {
	return &retrier{
		attempts: retries,
		base:     retryBaseDelay,
		max:      retryMaxDelay,
		rand:     rand.Float64,
		sleep:    sleepCtx,
		logger:   logger,
	}
}

func (r *retrier) do(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if attempt >= r.attempts || !shouldRetry(err) {
			return err
		}

		wait := r.delay(attempt, err)

		r.logger.Info("upload attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("stage", string(upload.FailedStage(err))),
			slog.String("error", err.Error()),
		)

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

// delay honors Retry-After when the server sent one, otherwise doubles from
// base with +/-25% jitter, capped at max.
func (r *retrier) delay(attempt int, err error) time.Duration {
	var apiErr *graph.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return min(apiErr.RetryAfter, r.max)
	}

	d := r.base << min(attempt, 16)
	if d <= 0 || d > r.max {
		d = r.max
	}

	jitter := 1 + retryJitter*(2*r.rand()-1)

	return time.Duration(float64(d) * jitter)
}

// shouldRetry reports whether another attempt is safe and may succeed. A
// session create that hit a name conflict never is: the name stays taken.
func shouldRetry(err error) bool {
	switch {
	case errors.Is(err, upload.ErrCancelled),
		errors.Is(err, upload.ErrInvalidName),
		errors.Is(err, graph.ErrKeyDecode):
		return false
	case errors.Is(err, upload.ErrSessionCreate) && errors.Is(err, graph.ErrConflict):
		return false
	}

	return graph.IsRetryable(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
