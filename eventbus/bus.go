// Package eventbus is an in-process publish/subscribe bus. Sessions publish
// login, refresh and logout events; audit and device eviction publish
// records. Subscribers run on a bounded worker pool so that slow handlers
// never block the request that published the event.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/internal/ids"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
)

// Event is delivered to subscribers.
type Event struct {
	ID    string
	Topic string
	Data  any
	At    time.Time
}

// Handler processes an event. Returned errors are logged.
type Handler func(ctx context.Context, e Event) error

// Publisher is the side of the bus used by components that emit events.
type Publisher interface {
	Publish(ctx context.Context, topic string, data any)
}

// Option configures the bus.
type Option func(*Bus)

// WithWorkers sets the number of worker goroutines. Default is 16.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithQueueSize sets the number of deliveries buffered before Publish starts
// dropping them. Default is 256.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		b.jobs = make(chan job, n)
	}
}

// WithMetrics counts dropped deliveries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

type job struct {
	ctx     context.Context
	handler Handler
	event   Event
}

// Bus is an in-memory event bus.
type Bus struct {
	subscriberCtx context.Context
	workers       int
	jobs          chan job
	metrics       *metrics.Metrics

	mu          sync.RWMutex
	subscribers map[string][]Handler
	start       sync.Once
	closed      bool

	wg sync.WaitGroup // Pending deliveries.
}

var _ Publisher = (*Bus)(nil)

// New returns a bus. ctx supplies the logger handed to subscribers.
func New(ctx context.Context, opts ...Option) *Bus {
	b := &Bus{
		subscriberCtx: logging.With(ctx, logging.FromContext(ctx).Named("eventbus")),
		workers:       16,
		jobs:          make(chan job, 256),
		subscribers:   map[string][]Handler{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic. Handlers may be called
// concurrently.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// Publish delivers data to every subscriber of topic. It never blocks: when
// the queue is full the delivery is dropped and logged. Publishing after
// Shutdown is a no-op.
func (b *Bus) Publish(ctx context.Context, topic string, data any) {
	b.start.Do(b.startWorkers)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	handlers := b.subscribers[topic]
	if len(handlers) == 0 {
		return
	}

	e := Event{ID: ids.New(), Topic: topic, Data: data, At: time.Now()}
	logging.Debugw(ctx, "eventbus: publishing", "topic", topic, "event_id", e.ID)

	hctx := logging.With(b.subscriberCtx, logging.FromContext(b.subscriberCtx).Named(topic))
	for _, h := range handlers {
		b.wg.Add(1)
		select {
		case b.jobs <- job{ctx: hctx, handler: h, event: e}:
		default:
			b.wg.Done()
			b.metrics.EventDropped(topic)
			logging.Warnw(ctx, "eventbus: queue full, dropping event", "topic", topic, "event_id", e.ID)
		}
	}
}

// Wait blocks until all published events have been handled or ctx is done.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapPrefix(ctx.Err(), "eventbus: waiting for handlers", 0)
	}
}

// Shutdown stops accepting events and waits for pending ones.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.start.Do(b.startWorkers)
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
	b.mu.Unlock()
	return b.Wait(ctx)
}

func (b *Bus) startWorkers() {
	for range b.workers {
		go func() {
			for j := range b.jobs {
				b.execute(j)
			}
		}()
	}
}

func (b *Bus) execute(j job) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err := errors.Recovered(r)
			logging.Errorw(j.ctx, "eventbus: recovered from panic",
				"error", err, "event_id", j.event.ID, "error.stack_trace", err.ErrorStack())
		}
	}()
	if err := j.handler(j.ctx, j.event); err != nil {
		logging.Errorw(j.ctx, "eventbus: handler error", "error", err, "event_id", j.event.ID)
	}
}
