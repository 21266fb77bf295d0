package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vodforge/internal/observability/metrics"
)

// Handler consumes events on the publishing goroutine. Emissions from one
// worker therefore reach each subscriber in emission order; handlers must not
// block.
type Handler func(Event)

// Sink is an additional best-effort destination, typically an external
// broker.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Bus dispatches each published event synchronously to all local subscribers
// and then to every attached sink.
type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	nextID int
	subs   []subscriber
	sinks  []Sink
}

type subscriber struct {
	id int
	fn Handler
}

type BusOption func(*Bus)

func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	bus := &Bus{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// AddSink attaches a broker destination. Sinks added after startup only see
// events published afterwards.
func (b *Bus) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Subscribe registers a local handler and returns its cancel function.
func (b *Bus) Subscribe(fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, sub := range b.subs {
				if sub.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Publish stamps the event and fans it out. Local subscribers run first,
// synchronously; sink failures are logged and swallowed so a dead broker
// never stalls the pipeline.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	metrics.EventPublished(event.Type)

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(event)
	}
	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Warn("event sink publish failed", "type", event.Type, "video_id", event.VideoID, "error", err)
		}
	}
}
