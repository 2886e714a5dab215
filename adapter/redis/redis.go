// Package redis announces run completion over Redis.
//
// Each event is PUBLISHed as JSON to the configured channel and also
// written under "<channel>:last" with a TTL, so a controller that was
// not subscribed at release time can still poll the most recent run
// summary. Both writes go out in one pipeline per attempt; transient
// failures are retried through the shared adapter.Deliver loop.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bravo-optimo/optimo-worker/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "optimo:run_completed"

// DefaultTimeout is the default per-attempt timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// lastEventTTL bounds how long the "<channel>:last" key outlives the
// run that wrote it.
const lastEventTTL = 24 * time.Hour

// Config configures the Redis announcer.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: optimo:run_completed).
	Channel string
	// Timeout is the per-attempt timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure. New applies no
	// default: zero means a single attempt (see DefaultRetries).
	Retries int
}

// Adapter announces run completion events via Redis.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis announcer from the given config.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// LastEventKey returns the key holding the most recent event payload.
func (a *Adapter) LastEventKey() string {
	return a.config.Channel + ":last"
}

// Publish fans the event out to subscribers and refreshes the
// last-event key, retrying transient failures.
func (a *Adapter) Publish(ctx context.Context, event *adapter.RunCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	err = adapter.Deliver(ctx, a.config.Retries, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()

		_, pipeErr := a.client.Pipelined(opCtx, func(pipe goredis.Pipeliner) error {
			pipe.Publish(opCtx, a.config.Channel, body)
			pipe.Set(opCtx, a.LastEventKey(), body, lastEventTTL)
			return nil
		})
		return pipeErr
	})
	if err != nil {
		return fmt.Errorf("redis: announce run %s: %w", event.RunID, err)
	}
	return nil
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
