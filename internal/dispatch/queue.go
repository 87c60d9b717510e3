package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/metrics"
)

var (
	ErrQueueFull      = errors.New("side effect queue is full")
	ErrQueueClosed    = errors.New("side effect queue is closed")
	ErrDeliveryFailed = errors.New("side effect delivery failed")
)

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	Backoff        time.Duration // first retry delay, doubled per attempt
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	return c
}

// Queue delivers items to a sink in the background. Delivery failures are
// retried with exponential backoff; items that exhaust their attempts are
// parked in the dead letter store and reported through metrics and logs.
// Enqueue never blocks the caller.
type Queue[T any] struct {
	name    string
	cfg     Config
	deliver func(ctx context.Context, item T) error
	dead    DeadLetters
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	started bool
	closed  bool
	jobs    chan T
	wg      sync.WaitGroup
	stop    context.CancelFunc
}

func NewQueue[T any](name string, cfg Config, deliver func(ctx context.Context, item T) error, dead DeadLetters, log *zap.Logger, m *metrics.Metrics) *Queue[T] {
	cfg = cfg.withDefaults()
	return &Queue[T]{
		name:    name,
		cfg:     cfg,
		deliver: deliver,
		dead:    dead,
		log:     log.Named("dispatch").With(zap.String("sink", name)),
		metrics: m,
		jobs:    make(chan T, cfg.QueueSize),
	}
}

// Start launches the workers. They keep draining after ctx is cancelled
// until Close is called, so that accepted items are not lost on shutdown.
func (q *Queue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.stop = cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for item := range q.jobs {
				q.metrics.SideEffectQueueDepth.WithLabelValues(q.name).Set(float64(len(q.jobs)))
				q.process(workCtx, item)
			}
		}()
	}
}

// Enqueue hands item to the workers. A full queue parks the item in the
// dead letter store right away.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- item:
		q.metrics.SideEffectQueueDepth.WithLabelValues(q.name).Set(float64(len(q.jobs)))
		return nil
	default:
		q.metrics.SideEffectsDropped.WithLabelValues(q.name).Inc()
		q.park(context.Background(), item, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// Close stops accepting items and waits for the backlog to drain or ctx to
// expire, whichever comes first. A queue that was never started parks its
// backlog in the dead letter store.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		for item := range q.jobs {
			q.park(ctx, item, 0, ErrQueueClosed)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if q.stop != nil {
			q.stop()
		}
		return nil
	case <-ctx.Done():
		if q.stop != nil {
			q.stop()
		}
		return ctx.Err()
	}
}

func (q *Queue[T]) process(ctx context.Context, item T) {
	var lastErr error
	delay := q.cfg.Backoff

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		lastErr = q.deliver(attemptCtx, item)
		cancel()

		if lastErr == nil {
			q.metrics.SideEffectsDelivered.WithLabelValues(q.name).Inc()
			return
		}

		q.log.Warn("side effect delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", q.cfg.MaxAttempts),
			zap.Error(lastErr),
		)

		if attempt == q.cfg.MaxAttempts {
			break
		}
		q.metrics.SideEffectRetries.WithLabelValues(q.name).Inc()

		select {
		case <-ctx.Done():
			q.park(context.Background(), item, attempt, ctx.Err())
			return
		case <-time.After(delay):
		}
		delay *= 2
	}

	q.metrics.SideEffectsFailed.WithLabelValues(q.name).Inc()
	q.log.Error("side effect delivery exhausted retries",
		zap.Int("attempts", q.cfg.MaxAttempts),
		zap.Error(fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)),
	)
	q.park(ctx, item, q.cfg.MaxAttempts, lastErr)
}

func (q *Queue[T]) park(ctx context.Context, item T, attempts int, cause error) {
	if q.dead == nil {
		return
	}

	payload, err := json.Marshal(item)
	if err != nil {
		q.log.Error("failed to marshal dead letter", zap.Error(err))
		return
	}

	letter := Letter{
		Sink:     q.name,
		Payload:  payload,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		letter.LastError = cause.Error()
	}

	parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.AttemptTimeout)
	defer cancel()

	if err := q.dead.Park(parkCtx, letter); err != nil {
		q.log.Error("failed to park dead letter", zap.Error(err))
		return
	}
	q.metrics.SideEffectsDeadLettered.WithLabelValues(q.name).Inc()
}
