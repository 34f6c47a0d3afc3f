package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventHandler handles a published event.
type EventHandler func(context.Context, Event) error

// Dispatcher fans ticket events out to in-process handlers.
type Dispatcher interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType EventType, handler EventHandler)
}

type inMemoryDispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	now      func() time.Time
}

// NewInMemoryDispatcher returns a synchronous dispatcher. Publish returns
// once every handler subscribed to the event type has run.
func NewInMemoryDispatcher() Dispatcher {
	return &inMemoryDispatcher{
		handlers: make(map[EventType][]EventHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish stamps a missing ID and Timestamp, then hands the event to each
// handler in subscription order. A failing or panicking handler does not
// stop the rest; their failures come back joined, each tagged with the
// ticket and event type.
func (d *inMemoryDispatcher) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}

	d.mu.RLock()
	handlers := d.handlers[event.Type]
	d.mu.RUnlock()

	var errs []error
	for i, handler := range handlers {
		if err := deliver(ctx, handler, event); err != nil {
			errs = append(errs, fmt.Errorf("ticket %s: %s handler %d: %w", event.TicketID, event.Type, i, err))
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, handler EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

// Subscribe registers a handler for the given event type.
func (d *inMemoryDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Copy on write so a Publish holding the old slice is unaffected.
	current := d.handlers[eventType]
	next := make([]EventHandler, len(current), len(current)+1)
	copy(next, current)
	d.handlers[eventType] = append(next, handler)
}
