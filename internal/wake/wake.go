// Package wake carries best-effort "sync now" signals between devices. A lost
// signal only delays sync until the next timer pass.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/g960059/famsync/internal/metrics"
)

type Notifier interface {
	Notify(ctx context.Context, deviceID string) error
}

// Listener delivers wake signals addressed to deviceID until ctx is done.
// Bursts are coalesced; the returned channel is closed on shutdown.
type Listener interface {
	Listen(ctx context.Context, deviceID string) (<-chan struct{}, error)
}

func Channel(deviceID string) string {
	return "famsync:wake:" + deviceID
}

// Nop is used when no wake transport is configured; timer polling still runs.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

func (Nop) Listen(ctx context.Context, _ string) (<-chan struct{}, error) {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// ParseURL validates redisURL without connecting.
func ParseURL(redisURL string) (*redis.Options, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Redis implements Notifier and Listener over Redis pub/sub.
type Redis struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRedis(client *redis.Client, logger *slog.Logger, m *metrics.Metrics) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger, metrics: m}
}

func (r *Redis) Notify(ctx context.Context, deviceID string) error {
	if err := r.client.Publish(ctx, Channel(deviceID), "wake").Err(); err != nil {
		return fmt.Errorf("publish wake for %s: %w", deviceID, err)
	}
	r.metrics.Wake("sent")
	return nil
}

func (r *Redis) Listen(ctx context.Context, deviceID string) (<-chan struct{}, error) {
	sub := r.client.Subscribe(ctx, Channel(deviceID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe wake channel: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close() //nolint:errcheck
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				r.metrics.Wake("received")
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	r.logger.Debug("listening for wake signals", "channel", Channel(deviceID))
	return out, nil
}
