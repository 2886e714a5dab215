// Package adapter defines the run-completed notification boundary.
//
// Adapters publish a summary event when a run is released. The
// controller owns adapter lifecycle; operators provide configuration
// only.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RunCompletedEvent is the payload published when a run is released.
type RunCompletedEvent struct {
	EventType     string `json:"event_type"` // always "run_completed"
	RunID         string `json:"run_id"`
	StartedAtUTC  string `json:"started_at_utc"`
	FinishedAtUTC string `json:"finished_at_utc"`
	DurationMs    int64  `json:"duration_ms"`
	EnqueuedTotal int    `json:"enqueued_total"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Skipped       int    `json:"skipped"`
	DroppedQueued int    `json:"dropped_queued"`
	Outcome       string `json:"outcome"` // "completed" or "stopped"
}

// Adapter publishes run completion events to a downstream system.
type Adapter interface {
	// Publish sends a run completion event. Must respect context
	// cancellation and deadlines.
	Publish(ctx context.Context, event *RunCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// retryBaseDelay is the delay before the first retry; each further
// retry doubles it.
const retryBaseDelay = 500 * time.Millisecond

// PermanentError wraps a delivery error that must not be retried
// (e.g. the endpoint rejected the payload shape).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Deliver runs one delivery attempt plus up to retries re-attempts,
// doubling the delay between attempts. Both concrete adapters route
// their Publish through this single implementation; only the attempt
// body differs. A *PermanentError from the attempt stops immediately.
func Deliver(ctx context.Context, retries int, attempt func(ctx context.Context) error) error {
	delay := retryBaseDelay
	var lastErr error

	for i := 0; i <= retries; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("delivery canceled: %w", err)
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}

		var permanent *PermanentError
		if errors.As(lastErr, &permanent) {
			return fmt.Errorf("not retriable: %w", permanent.Err)
		}
		if i == retries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("delivery canceled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("delivery failed after %d attempts: %w", retries+1, lastErr)
}
