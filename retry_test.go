package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/internal/upload"
)

func apiErr(code int, sentinel error) error {
	return &graph.APIError{StatusCode: code, Path: "/x", Err: sentinel}
}

func stageFailure(stage upload.Stage, err error) error {
	return &upload.StageError{Stage: stage, Err: err}
}

// testRetrier records sleeps instead of waiting.
func testRetrier(retries int, r float64) (*retrier, *[]time.Duration) {
	var slept []time.Duration

	rt := newRetrier(retries, slog.New(slog.DiscardHandler))
	rt.rand = func() float64 { return r }
	rt.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)

		return nil
	}

	return rt, &slept
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", stageFailure(upload.StageSmallUpload, apiErr(http.StatusServiceUnavailable, graph.ErrServerError)), true},
		{"throttled", stageFailure(upload.StageLargeUpload, apiErr(http.StatusTooManyRequests, graph.ErrThrottled)), true},
		{"not found", stageFailure(upload.StageResolveSite, apiErr(http.StatusNotFound, graph.ErrNotFound)), false},
		{"forbidden", stageFailure(upload.StageResolveDrive, apiErr(http.StatusForbidden, graph.ErrForbidden)), false},
		{
			"session name conflict",
			stageFailure(upload.StageLargeUpload, fmt.Errorf("%w: %w", upload.ErrSessionCreate, apiErr(http.StatusConflict, graph.ErrConflict))),
			false,
		},
		{
			"session create throttled",
			stageFailure(upload.StageLargeUpload, fmt.Errorf("%w: %w", upload.ErrSessionCreate, apiErr(http.StatusTooManyRequests, graph.ErrThrottled))),
			true,
		},
		{"cancelled", stageFailure(upload.StageLargeUpload, fmt.Errorf("%w: %w", upload.ErrCancelled, context.Canceled)), false},
		{"invalid name", stageFailure(upload.StageSmallUpload, upload.ErrInvalidName), false},
		{"key decode", fmt.Errorf("credential: %w", graph.ErrKeyDecode), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldRetry(tt.err), tt.name)
	}
}

func TestRetrierDelay_ExponentialWithJitter(t *testing.T) {
	t.Parallel()

	rt, _ := testRetrier(5, 0.5)
	err := apiErr(http.StatusServiceUnavailable, graph.ErrServerError)

	assert.Equal(t, 1*time.Second, rt.delay(0, err))
	assert.Equal(t, 2*time.Second, rt.delay(1, err))
	assert.Equal(t, 4*time.Second, rt.delay(2, err))
	assert.Equal(t, retryMaxDelay, rt.delay(10, err))
	assert.Equal(t, retryMaxDelay, rt.delay(40, err))
}

func TestRetrierDelay_JitterBounds(t *testing.T) {
	t.Parallel()

	err := apiErr(http.StatusServiceUnavailable, graph.ErrServerError)

	low, _ := testRetrier(1, 0)
	high, _ := testRetrier(1, 0.999999)

	assert.Equal(t, 3*time.Second, low.delay(2, err))
	assert.InDelta(t, float64(5*time.Second), float64(high.delay(2, err)), float64(time.Millisecond))
}

func TestRetrierDelay_HonorsRetryAfter(t *testing.T) {
	t.Parallel()

	rt, _ := testRetrier(1, 0.5)

	err := stageFailure(upload.StageSmallUpload, &graph.APIError{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 7 * time.Second,
		Err:        graph.ErrThrottled,
	})
	assert.Equal(t, 7*time.Second, rt.delay(0, err))

	long := &graph.APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Hour, Err: graph.ErrThrottled}
	assert.Equal(t, retryMaxDelay, rt.delay(0, long))
}

func TestRetrierDo_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	rt, slept := testRetrier(3, 0.5)

	calls := 0
	err := rt.do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return apiErr(http.StatusBadGateway, graph.ErrServerError)
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestRetrierDo_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	rt, slept := testRetrier(2, 0.5)
	want := apiErr(http.StatusServiceUnavailable, graph.ErrServerError)

	calls := 0
	err := rt.do(context.Background(), func(context.Context) error {
		calls++

		return want
	})

	require.ErrorIs(t, err, want)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestRetrierDo_NoRetryForPermanent(t *testing.T) {
	t.Parallel()

	rt, slept := testRetrier(5, 0.5)

	calls := 0
	err := rt.do(context.Background(), func(context.Context) error {
		calls++

		return stageFailure(upload.StageResolveSite, apiErr(http.StatusNotFound, graph.ErrNotFound))
	})

	require.ErrorIs(t, err, graph.ErrNotFound)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetrierDo_ZeroRetries(t *testing.T) {
	t.Parallel()

	rt, _ := testRetrier(0, 0.5)

	calls := 0
	_ = rt.do(context.Background(), func(context.Context) error {
		calls++

		return apiErr(http.StatusServiceUnavailable, graph.ErrServerError)
	})

	assert.Equal(t, 1, calls)
}

func TestRetrierDo_StopsWhenSleepCancelled(t *testing.T) {
	t.Parallel()

	rt, _ := testRetrier(5, 0.5)
	rt.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	want := apiErr(http.StatusServiceUnavailable, graph.ErrServerError)

	calls := 0
	err := rt.do(context.Background(), func(context.Context) error {
		calls++

		return want
	})

	assert.True(t, errors.Is(err, want))
	assert.Equal(t, 1, calls)
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
