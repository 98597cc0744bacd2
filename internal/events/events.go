// Package events carries domain events to downstream consumers (email,
// analytics, admin alerts). Delivery is fire-and-forget and asynchronous: a
// failed or slow publish is logged and never affects the operation that
// produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// Event types emitted by the payment and booking services.
const (
	PaymentVerified  = "payment.verified"
	PaymentFailed    = "payment.failed"
	PaymentRefunded  = "payment.refunded"
	PaymentRejected  = "payment.rejected"
	BookingConfirmed = "booking.confirmed"
	BookingCompleted = "booking.completed"
	BookingCancelled = "booking.cancelled"
	BookingNoShow    = "booking.no_show"
	BookingExpired   = "booking.expired"
)

// Event is the wire shape of a domain event.
type Event struct {
	Type       string            `json:"type"`
	EntityID   uuid.UUID         `json:"entity_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New builds an event stamped with at.
func New(eventType string, entityID uuid.UUID, at time.Time, attrs map[string]string) Event {
	return Event{Type: eventType, EntityID: entityID, OccurredAt: at.UTC(), Attributes: attrs}
}

// Publisher delivers events to one downstream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

const (
	fanoutQueueSize      = 256
	fanoutPublishTimeout = 10 * time.Second
)

// Fanout queues events and delivers them to all of its publishers from a
// background worker, so a slow sink never holds up the caller. Failures are
// logged per sink.
type Fanout struct {
	publishers []Publisher
	timeout    time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewFanout skips nil publishers so optional sinks can be passed unconditionally.
// The delivery worker only runs when at least one sink is left.
func NewFanout(publishers ...Publisher) *Fanout {
	f := &Fanout{timeout: fanoutPublishTimeout, done: make(chan struct{})}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	if len(f.publishers) == 0 {
		close(f.done)
		return f
	}
	f.queue = make(chan Event, fanoutQueueSize)
	go f.run()
	return f
}

// Publish enqueues ev and returns immediately. It never returns an error;
// an event is dropped with a warning when the queue is full or closed.
func (f *Fanout) Publish(_ context.Context, ev Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.queue == nil || f.closed {
		return nil
	}
	select {
	case f.queue <- ev:
	default:
		log.Warnf("[Events] queue full, dropping %s %s", ev.Type, ev.EntityID)
	}
	return nil
}

// Close stops accepting events and waits until the queued ones are delivered
// or ctx is done.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		if f.queue != nil {
			close(f.queue)
		}
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for ev := range f.queue {
		for _, p := range f.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			if err := p.Publish(ctx, ev); err != nil {
				log.Warnf("[Events] publish %s %s failed: %v", ev.Type, ev.EntityID, err)
			}
			cancel()
		}
	}
}

// LogPublisher writes events to the application log.
type LogPublisher struct{}

// Publish logs the event at info level.
func (LogPublisher) Publish(_ context.Context, ev Event) error {
	log.Infof("[Events] %s entity=%s at=%s", ev.Type, ev.EntityID, ev.OccurredAt.Format(time.RFC3339))
	return nil
}

// Recorder keeps published events in memory; used in tests and as a no-op sink.
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a Recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

// Publish stores the event, dropping it when the buffer is full.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Types returns the types of every event recorded so far.
func (r *Recorder) Types() []string {
	evs := r.Drain()
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
