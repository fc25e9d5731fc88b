package notify

import (
	"context"
	"log/slog"
	"net/url"
	"quantumjobs/internal/job"
	"quantumjobs/pkg/backoff"
	"quantumjobs/pkg/circuitbreaker"
	"quantumjobs/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Stats holds webhook delivery statistics.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	Requeued      int64 `json:"requeued"`
	RetriesTotal  int64 `json:"retriesTotal"`
	BreakersTotal int   `json:"breakersTotal"`
	BreakersOpen  int   `json:"breakersOpen"`
}

type event struct {
	payload  *cloudevent.CloudEvent
	requeues int // times requeued due to circuit open
}

// Webhook delivers transitions as signed CloudEvents to one URL.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type Webhook struct {
	queue    chan *event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   WebhookConfig
	host     string
	logger   *slog.Logger
	metrics  MetricsRecorder

	// Internal counters (for Stats())
	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewWebhook creates and starts a webhook notifier. metrics may be nil.
func NewWebhook(cfg WebhookConfig, metrics MetricsRecorder) *Webhook {
	cfg = cfg.withDefaults()

	w := &Webhook{
		queue:  make(chan *event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		host:     extractHost(cfg.URL),
		logger:   slog.With("component", "notify.webhook"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	// Start workers
	w.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go w.worker()
	}

	// Start queue size reporter if metrics enabled
	if metrics != nil {
		go w.reportQueueSize()
	}

	w.logger.Info("Webhook notifier started", "destination", w.host, "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return w
}

// reportQueueSize periodically reports the queue size metric.
func (w *Webhook) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.metrics.RecordNotifyQueueSize(context.Background(), int64(len(w.queue)))
		}
	}
}

// Notify queues a transition event for async delivery.
func (w *Webhook) Notify(ctx context.Context, t job.Transition, j job.Job) error {
	if w.closed.Load() {
		return ErrClosed
	}

	ev := &event{payload: job.BuildTransitionEvent(w.config.Source, t, j)}
	select {
	case w.queue <- ev:
		w.queued.Add(1)
		return nil
	default:
		w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyDropped(ctx)
		}
		w.logger.Warn("Event dropped, buffer full", "jobId", t.JobID, "to", t.To)
		return ErrBufferFull
	}
}

// Stats returns current delivery statistics.
func (w *Webhook) Stats() Stats {
	breakerStats := w.breakers.Stats()
	return Stats{
		QueueDepth:    len(w.queue),
		Queued:        w.queued.Load(),
		Delivered:     w.delivered.Load(),
		Failed:        w.failed.Load(),
		Dropped:       w.dropped.Load(),
		Requeued:      w.requeued.Load(),
		RetriesTotal:  w.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down, delivering what is queued until ctx ends.
func (w *Webhook) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return nil // already closed
	}

	w.logger.Info("Webhook notifier shutting down", "queued", len(w.queue))

	// Signal workers to stop
	close(w.shutdown)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Webhook notifier shutdown complete",
			"delivered", w.delivered.Load(),
			"failed", w.failed.Load(),
			"dropped", w.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		w.logger.Warn("Webhook notifier shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

// worker processes events from the queue.
func (w *Webhook) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.shutdown:
			// Drain remaining events before exiting
			w.drainQueue()
			return
		case ev := <-w.queue:
			w.deliver(ev)
		}
	}
}

// drainQueue delivers remaining events after shutdown signal.
func (w *Webhook) drainQueue() {
	for {
		select {
		case ev := <-w.queue:
			w.deliver(ev)
		default:
			return // queue empty
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (w *Webhook) deliver(ev *event) {
	breaker := w.breakers.Get(w.host)

	if !breaker.Allow() {
		w.requeue(ev)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := w.sendWithRetry(ctx, ev); err != nil {
		breaker.RecordFailure()
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyFailed(ctx)
		}
		w.logger.Warn("Delivery failed", "destination", w.host, "jobId", ev.payload.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	w.delivered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back in the queue after a delay when circuit is open.
func (w *Webhook) requeue(ev *event) {
	if ev.requeues >= defaultMaxRequeues {
		w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyDropped(context.Background())
		}
		w.logger.Warn("Event dropped, max requeues reached",
			"destination", w.host,
			"jobId", ev.payload.Subject,
			"requeues", ev.requeues,
		)
		return
	}

	ev.requeues++
	requeues := ev.requeues // capture for goroutine
	w.requeued.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyRequeued(context.Background())
	}

	// Requeue after cooldown period so circuit has time to recover
	go func() {
		select {
		case <-w.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case w.queue <- ev:
			w.logger.Debug("Event requeued", "destination", w.host, "jobId", ev.payload.Subject, "requeues", requeues)
		case <-w.shutdown:
		default:
			// Buffer full, drop
			w.dropped.Add(1)
			if w.metrics != nil {
				w.metrics.RecordNotifyDropped(context.Background())
			}
			w.logger.Warn("Event dropped on requeue, buffer full", "destination", w.host, "jobId", ev.payload.Subject)
		}
	}()
}

func (w *Webhook) sendWithRetry(ctx context.Context, ev *event) error {
	cfg := &backoff.Config{Initial: defaultInitialBackoff, Max: defaultMaxBackoff}

	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			w.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, cfg)):
			}
		}

		lastErr = w.sender.Send(ctx, w.config.URL, ev.payload, w.config.SigningKey)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying and logs.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*Webhook)(nil)
