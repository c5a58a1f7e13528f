package projector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
)

// Delivery results recorded in metrics.
const (
	resultDelivered    = "delivered"
	resultFailed       = "failed"
	resultShortCircuit = "short_circuit"
	resultAbandoned    = "abandoned"
)

type job struct {
	n    Notification
	span trace.SpanContext
}

// Dispatcher queues notifications and delivers them through a Sink on a
// fixed pool of workers. Notify never blocks: when the queue is full the
// notification is dropped and counted.
type Dispatcher struct {
	sink    Sink
	breaker *Breaker
	retry   config.RetryConfig
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l.Named("projector") }
}

// WithDispatcherMetrics sets the metrics recorder.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher for sink and starts its workers.
func NewDispatcher(sink Sink, cfg config.ProjectorConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:    sink,
		retry:   cfg.Retry,
		timeout: cfg.Timeout,
		logger:  zap.NewNop(),
		queue:   make(chan job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker = NewBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		d.metrics.SetProjectorCircuitBreakerState(sink.Name(), float64(s))
		d.logger.Warn("projector circuit breaker state changed",
			zap.String("sink", sink.Name()),
			zap.String("state", s.String()),
		)
	})

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Notify enqueues n for delivery. It implements the workflow engine's
// Notifier.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if n.DeliveryID == "" {
		n.DeliveryID = uuid.New().String()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(n, "dispatcher closed")
		return
	}
	select {
	case d.queue <- job{n: n, span: trace.SpanContextFromContext(ctx)}:
		d.metrics.SetProjectorQueueDepth(len(d.queue))
	default:
		d.drop(n, "queue full")
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered. When ctx expires first, in-flight deliveries are cancelled and
// the remaining queue is abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("projector: drain queue: %w", ctx.Err())
	}
}

// HealthCheck fails while the circuit breaker is open.
func (d *Dispatcher) HealthCheck(context.Context) error {
	if d.breaker.State() == BreakerOpen {
		return fmt.Errorf("%s sink: %w", d.sink.Name(), ErrCircuitOpen)
	}
	return nil
}

// QueueLen returns the number of queued notifications.
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.metrics.SetProjectorQueueDepth(len(d.queue))
		d.deliver(j)
	}
}

// deliver attempts j up to MaxAttempts times with exponential backoff.
func (d *Dispatcher) deliver(j job) {
	ctx := d.ctx
	if j.span.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, j.span)
	}
	ctx, span := observability.StartSpan(ctx, "projector.Deliver",
		observability.AttrCaseID.String(j.n.CaseID),
		observability.AttrSink.String(d.sink.Name()),
	)
	var final error
	defer func() { observability.EndSpanWithError(span, final) }()

	name := d.sink.Name()
	logger := d.logger.With(
		zap.String("sink", name),
		zap.String("delivery_id", j.n.DeliveryID),
		zap.String("case_id", j.n.CaseID),
	)

	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.RecordProjectorRetry(name)
			select {
			case <-ctx.Done():
				final = ctx.Err()
				logger.Warn("projector delivery cancelled", zap.Int("attempt", attempt), zap.Error(final))
				d.metrics.RecordProjectorDelivery(name, resultAbandoned, 0)
				return
			case <-time.After(backoff(d.retry, attempt-1)):
			}
		}

		if err := d.breaker.Allow(); err != nil {
			lastErr = err
			d.metrics.RecordProjectorDelivery(name, resultShortCircuit, 0)
			continue
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.sink.Deliver(attemptCtx, j.n)
		cancel()
		if err == nil {
			d.breaker.Success()
			d.metrics.RecordProjectorDelivery(name, resultDelivered, time.Since(start))
			logger.Debug("projector delivery succeeded", zap.Int("attempt", attempt))
			return
		}

		lastErr = err
		d.breaker.Failure()
		d.metrics.RecordProjectorDelivery(name, resultFailed, time.Since(start))
		logger.Warn("projector delivery failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	final = lastErr
	d.metrics.RecordProjectorDelivery(name, resultAbandoned, 0)
	logger.Warn("projector delivery abandoned",
		zap.String("outcome", string(j.n.Outcome)),
		zap.Int("attempts", d.retry.MaxAttempts),
		zap.Error(lastErr),
	)
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.metrics.RecordProjectorDrop()
	d.logger.Warn("projector notification dropped",
		zap.String("reason", reason),
		zap.String("delivery_id", n.DeliveryID),
		zap.String("case_id", n.CaseID),
		zap.String("outcome", string(n.Outcome)),
	)
}

// backoff returns the delay before retry number n (1-based): the initial
// delay doubled n-1 times, capped at BackoffMax.
func backoff(cfg config.RetryConfig, n int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	delay := cfg.BackoffInitial
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if delay > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return delay
}
