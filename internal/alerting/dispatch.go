package alerting

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/storage"
)

// SubscriberLookup loads subscriber preferences.
type SubscriberLookup interface {
	GetSubscriber(ctx context.Context, subscriberID int64) (storage.Subscriber, error)
}

// Dispatcher fans an alert out to subscribers. Delivery failures are logged per
// subscriber and never reported back to the caller: the alert record is
// already committed.
type Dispatcher struct {
	notifier    Notifier
	subscribers SubscriberLookup
	parallelism int
	logger      zerolog.Logger
}

// NewDispatcher builds a dispatcher. parallelism bounds concurrent sends.
func NewDispatcher(notifier Notifier, subscribers SubscriberLookup, parallelism int, logger zerolog.Logger) *Dispatcher {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Dispatcher{
		notifier:    notifier,
		subscribers: subscribers,
		parallelism: parallelism,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch renders rec and sends it to every subscriber whose own thresholds
// accept it. It returns the number of successful deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, rec storage.AlertRecord, subscriberIDs []int64) int {
	if d == nil || d.notifier == nil || len(subscriberIDs) == 0 {
		return 0
	}
	message := Render(rec)

	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.parallelism)

	for _, id := range subscriberIDs {
		id := id
		g.Go(func() error {
			if !d.accepts(ctx, id, rec) {
				d.logger.Debug().Int64("subscriber_id", id).Str("item_id", rec.ItemID).Str("kind", string(rec.Kind)).Msg("filtered by subscriber threshold")
				return nil
			}
			if err := d.notifier.Send(ctx, id, message); err != nil {
				d.logger.Error().Err(err).Int64("subscriber_id", id).Str("item_id", rec.ItemID).Str("kind", string(rec.Kind)).Msg("failed to deliver alert")
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info().Str("item_id", rec.ItemID).Str("kind", string(rec.Kind)).Int64("delivered", sent.Load()).Int("subscribers", len(subscriberIDs)).Msg("alert dispatched")
	return int(sent.Load())
}

// SendText delivers a free-form message to one subscriber.
func (d *Dispatcher) SendText(ctx context.Context, subscriberID int64, message string) error {
	if d == nil || d.notifier == nil {
		return nil
	}
	return d.notifier.Send(ctx, subscriberID, message)
}

func (d *Dispatcher) accepts(ctx context.Context, id int64, rec storage.AlertRecord) bool {
	if d.subscribers == nil {
		return true
	}
	sub, err := d.subscribers.GetSubscriber(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if err != nil {
		d.logger.Warn().Err(err).Int64("subscriber_id", id).Msg("load subscriber preferences")
		return true
	}
	return Accepts(sub, rec)
}
