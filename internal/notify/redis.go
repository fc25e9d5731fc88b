package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/job"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPublishTimeout = 2 * time.Second

// Publisher is the subset of a Redis client used for publishing.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Message is the JSON published on the Redis channel.
type Message struct {
	job.Transition
	ProviderStatus string          `json:"providerStatus,omitempty"`
	Error          *apperrors.Info `json:"error,omitempty"`
}

// Redis publishes transitions on a pub/sub channel. Each Notify publishes
// from its own goroutine so a slow Redis never stalls a poll loop.
type Redis struct {
	client  Publisher
	channel string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewRedis connects a publisher to addr.
func NewRedis(addr, password, channel string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return NewRedisWithClient(client, channel)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client Publisher, channel string) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		timeout: defaultPublishTimeout,
		logger:  slog.With("component", "notify.redis", "channel", channel),
	}
}

// Notify publishes t asynchronously.
func (r *Redis) Notify(ctx context.Context, t job.Transition, j job.Job) error {
	body, err := json.Marshal(Message{Transition: t, ProviderStatus: j.ProviderStatus, Error: j.Error})
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if err := r.client.Publish(pctx, r.channel, body).Err(); err != nil {
			r.logger.Warn("Publish failed", "jobId", t.JobID, "to", t.To, "error", err)
		}
	}()
	return nil
}

// Close waits for in-flight publishes, then closes the client.
func (r *Redis) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Redis publisher shutdown timed out")
	}
	return r.client.Close()
}

var _ Notifier = (*Redis)(nil)
