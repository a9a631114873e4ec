package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"abuse-guard/internal/config"
	"abuse-guard/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when the delivery queue is at
	// capacity. The notification is dropped.
	ErrQueueFull = errors.New("notification queue full")
	// ErrDispatcherStopped is returned by Enqueue after Stop.
	ErrDispatcherStopped = errors.New("notification dispatcher stopped")
)

// DeadLetterFunc is called when a notification could not be delivered to a
// channel after all retries.
type DeadLetterFunc func(n *Notification, channel string, err error)

// DeliveryStats reports dispatcher counters.
type DeliveryStats struct {
	Queued     int   `json:"queued"`
	Delivered  int64 `json:"delivered"`
	DeadLetter int64 `json:"dead_letter"`
	Dropped    int64 `json:"dropped"`
}

// Dispatcher delivers notifications off the detection path. Enqueue never
// blocks; a bounded worker pool drains the queue, rate limited across all
// channels, retrying each channel with exponential backoff.
type Dispatcher struct {
	cfg      config.NotificationsConfig
	channels []Channel
	queue    chan *Notification
	limiter  *rate.Limiter
	logger   *slog.Logger

	onDeadLetter DeadLetterFunc

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	delivered  atomic.Int64
	deadLetter atomic.Int64
	dropped    atomic.Int64
}

// NewDispatcher creates a dispatcher over channels. Call Start before
// enqueueing.
func NewDispatcher(cfg config.NotificationsConfig, channels []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		cfg:      cfg,
		channels: channels,
		queue:    make(chan *Notification, cfg.QueueSize),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With("component", "dispatcher"),
	}
}

// OnDeadLetter registers fn to be called for undeliverable notifications.
// It must be set before Start.
func (d *Dispatcher) OnDeadLetter(fn DeadLetterFunc) {
	d.onDeadLetter = fn
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}

	d.logger.Info("notification dispatcher started",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"channels", d.Channels(),
	)
}

// Enqueue queues n for delivery without blocking.
func (d *Dispatcher) Enqueue(n *Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- n:
		return nil
	default:
		d.dropped.Add(1)
		metrics.IncNotification("queue", "dropped")
		return ErrQueueFull
	}
}

// Stop stops accepting notifications and waits for queued ones to drain.
// When ctx expires first, in-flight deliveries are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() DeliveryStats {
	return DeliveryStats{
		Queued:     len(d.queue),
		Delivered:  d.delivered.Load(),
		DeadLetter: d.deadLetter.Load(),
		Dropped:    d.dropped.Load(),
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for n := range d.queue {
		if err := d.limiter.Wait(ctx); err != nil {
			d.fail(n, "rate_limiter", err)
			continue
		}
		for _, ch := range d.channels {
			d.deliverWithRetry(ctx, ch, n)
		}
	}
}

// deliverWithRetry attempts delivery with exponential backoff.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ch Channel, n *Notification) {
	backoff := d.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := ch.Send(attemptCtx, n)
		cancel()

		if err == nil {
			d.delivered.Add(1)
			metrics.IncNotification(ch.Name(), "delivered")
			d.logger.Debug("notification delivered",
				"channel", ch.Name(),
				"alert_id", n.AlertID,
				"attempts", attempt,
			)
			return
		}
		lastErr = err

		d.logger.Warn("notification delivery failed",
			"channel", ch.Name(),
			"alert_id", n.AlertID,
			"attempt", attempt,
			"max_retries", d.cfg.MaxRetries,
			"error", err,
		)

		if attempt == d.cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.fail(n, ch.Name(), ctx.Err())
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}

	d.fail(n, ch.Name(), lastErr)
}

func (d *Dispatcher) fail(n *Notification, channel string, err error) {
	d.deadLetter.Add(1)
	metrics.IncNotification(channel, "failed")
	d.logger.Error("notification undeliverable",
		"alert_id", n.AlertID,
		"channel", channel,
		"error", err,
	)
	if d.onDeadLetter != nil {
		d.onDeadLetter(n, channel, err)
	}
}
