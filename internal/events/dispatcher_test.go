package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/kyeliu99/PFlow/internal/events"
)

func TestDispatcherRunsEveryHandler(t *testing.T) {
	d := events.NewInMemoryDispatcher()
	boom := errors.New("boom")

	var seen []string
	d.Subscribe(events.EventTicketStatusChanged, func(ctx context.Context, e events.Event) error {
		seen = append(seen, "first")
		return boom
	})
	d.Subscribe(events.EventTicketStatusChanged, func(ctx context.Context, e events.Event) error {
		seen = append(seen, "second")
		return nil
	})
	d.Subscribe(events.EventTicketCreated, func(ctx context.Context, e events.Event) error {
		seen = append(seen, "created")
		return nil
	})

	err := d.Publish(context.Background(), events.Event{Type: events.EventTicketStatusChanged, TicketID: "t1"})
	gt.Error(t, err).Is(boom)
	gt.Value(t, seen).Equal([]string{"first", "second"})
}

func TestDispatcherStampsEnvelope(t *testing.T) {
	d := events.NewInMemoryDispatcher()

	var got events.Event
	d.Subscribe(events.EventTicketCreated, func(ctx context.Context, e events.Event) error {
		got = e
		return nil
	})

	gt.NoError(t, d.Publish(context.Background(), events.Event{Type: events.EventTicketCreated, TicketID: "t1"})).Required()
	gt.String(t, got.ID).NotEqual("")
	gt.Bool(t, got.Timestamp.IsZero()).False()

	gt.NoError(t, d.Publish(context.Background(), events.Event{ID: "fixed", Type: events.EventTicketCreated, TicketID: "t1"})).Required()
	gt.Value(t, got.ID).Equal("fixed")
}

func TestDispatcherRecoversPanickingHandler(t *testing.T) {
	d := events.NewInMemoryDispatcher()

	delivered := false
	d.Subscribe(events.EventTicketUpdated, func(ctx context.Context, e events.Event) error {
		panic("nil payload")
	})
	d.Subscribe(events.EventTicketUpdated, func(ctx context.Context, e events.Event) error {
		delivered = true
		return nil
	})

	err := d.Publish(context.Background(), events.Event{Type: events.EventTicketUpdated, TicketID: "t7"})
	gt.Value(t, err).NotNil()
	gt.String(t, err.Error()).Contains("ticket t7")
	gt.String(t, err.Error()).Contains("nil payload")
	gt.Bool(t, delivered).True()
}

func TestDispatcherRejectsUntypedEvent(t *testing.T) {
	d := events.NewInMemoryDispatcher()
	gt.Value(t, d.Publish(context.Background(), events.Event{TicketID: "t1"})).NotNil()
}

func TestRoutingKey(t *testing.T) {
	gt.Value(t, events.Event{Type: events.EventTicketStatusChanged}.RoutingKey()).Equal("ticket.status_changed")
	gt.Value(t, events.Event{Type: events.EventTicketCreated}.RoutingKey()).Equal("ticket.created")
}
