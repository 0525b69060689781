package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"price-tracker/internal/realtime"
	"price-tracker/internal/storage"
)

// Notification bundles the fired event with its item context for rendering.
type Notification struct {
	Event storage.AlertEvent
	Item  storage.TrackedItem
}

// Channel is one independent notification transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// DeliveryResult summarises one dispatch attempt.
type DeliveryResult struct {
	EventID   int64
	Delivered bool
	Method    string
	Failures  []string
}

// Dispatcher fans a fired alert out across the configured channels. An
// event counts as sent when at least one channel succeeds; only total
// failure marks it failed.
type Dispatcher struct {
	events    storage.EventStore
	channels  []Channel
	timeout   time.Duration
	publisher *realtime.Publisher
	logger    zerolog.Logger
}

// NewDispatcher constructs a dispatcher over the given channels.
func NewDispatcher(events storage.EventStore, channels []Channel, timeout time.Duration, publisher *realtime.Publisher, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		events:    events,
		channels:  channels,
		timeout:   timeout,
		publisher: publisher,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Dispatch persists the event, invokes every channel concurrently under an
// independent timeout, and records the aggregated outcome. The event is
// terminal afterwards; it is not retried within the cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, event storage.AlertEvent, item storage.TrackedItem) (DeliveryResult, error) {
	id, err := d.events.CreateAlert(ctx, event)
	if err != nil {
		return DeliveryResult{}, err
	}
	event.ID = id
	result := DeliveryResult{EventID: id}

	if len(d.channels) == 0 {
		result.Failures = []string{"no channels configured"}
		if markErr := d.events.MarkFailed(ctx, id, result.Failures[0]); markErr != nil {
			d.logger.Error().Err(markErr).Int64("alert_id", id).Msg("failed to mark alert failed")
		}
		return result, nil
	}

	note := Notification{Event: event, Item: item}

	type outcome struct {
		name string
		err  error
	}
	outcomes := make([]outcome, len(d.channels))

	var wg sync.WaitGroup
	for i, ch := range d.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			outcomes[i] = outcome{name: ch.Name(), err: ch.Send(sendCtx, note)}
		}(i, ch)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.err == nil {
			if !result.Delivered {
				result.Delivered = true
				result.Method = o.name
			}
			continue
		}
		result.Failures = append(result.Failures, o.name+": "+o.err.Error())
	}

	if result.Delivered {
		if markErr := d.events.MarkDelivered(ctx, id, result.Method, time.Now().UTC()); markErr != nil {
			d.logger.Error().Err(markErr).Int64("alert_id", id).Msg("failed to mark alert delivered")
		}
		d.publisher.TrackAlertSent(ctx, event.Kind)
		d.logger.Info().
			Int64("alert_id", id).
			Int64("item_id", event.ItemID).
			Str("kind", string(event.Kind)).
			Str("method", result.Method).
			Msg("alert delivered")
		return result, nil
	}

	summary := strings.Join(result.Failures, "; ")
	if markErr := d.events.MarkFailed(ctx, id, summary); markErr != nil {
		d.logger.Error().Err(markErr).Int64("alert_id", id).Msg("failed to mark alert failed")
	}
	d.logger.Warn().
		Int64("alert_id", id).
		Int64("item_id", event.ItemID).
		Str("kind", string(event.Kind)).
		Str("errors", summary).
		Msg("alert delivery failed on all channels")
	return result, nil
}
