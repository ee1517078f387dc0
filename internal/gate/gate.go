// Package gate decides whether a detected event becomes a notification.
//
// big_discount and price_error are armed per (item, kind) and suppressed for a
// cooldown window. price_drop is deduplicated by its baseline: it only fires
// when the price is strictly below the price it superseded. new_category_discount
// fires when a category item is unseen or its discount grew.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// DefaultCooldown is the suppression window for armed alerts.
const DefaultCooldown = 24 * time.Hour

// Store is the slice of persistence the gate needs.
type Store interface {
	PutAlert(ctx context.Context, rec storage.AlertRecord, cooldown time.Duration) (storage.AlertRecord, bool, error)
	AppendAlert(ctx context.Context, rec storage.AlertRecord) (storage.AlertRecord, error)
	TrackCategoryItem(ctx context.Context, categoryID string, item storage.KnownItem) (bool, error)
}

// Event is one candidate alert.
type Event struct {
	ItemID     string
	Kind       storage.AlertKind
	DetectedAt time.Time
	Payload    storage.AlertPayload

	// price_drop only: the current price and the price it superseded.
	Current  decimal.Decimal
	Previous *decimal.Decimal

	// new_category_discount only.
	CategoryID string
	Discount   decimal.Decimal
}

// Decision is the outcome of Admit.
type Decision struct {
	Notify bool
	Record storage.AlertRecord
	Reason string
}

const (
	ReasonArmed      = "armed"
	ReasonCooldown   = "cooldown"
	ReasonNoDrop     = "no_drop"
	ReasonNewItem    = "new_discount"
	ReasonNotNewItem = "known_discount"
)

// Gate serialises alert decisions through the store.
type Gate struct {
	store    Store
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock overrides the time source used when an event has no DetectedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger.With().Str("component", "gate").Logger() }
}

// New builds a gate. A non-positive cooldown selects DefaultCooldown.
func New(store Store, cooldown time.Duration, opts ...Option) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	g := &Gate{
		store:    store,
		cooldown: cooldown,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Cooldown returns the effective suppression window.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// Admit records ev when it qualifies and reports whether subscribers should be
// notified. Of several concurrent Admit calls for the same armed key, at most
// one returns Notify=true.
func (g *Gate) Admit(ctx context.Context, ev Event) (Decision, error) {
	if ev.ItemID == "" {
		return Decision{}, fmt.Errorf("gate: event without item id")
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = g.now()
	}
	rec := storage.AlertRecord{
		ItemID:     ev.ItemID,
		Kind:       ev.Kind,
		DetectedAt: ev.DetectedAt,
		Payload:    ev.Payload,
	}

	switch ev.Kind {
	case storage.AlertBigDiscount, storage.AlertPriceError:
		stored, armed, err := g.store.PutAlert(ctx, rec, g.cooldown)
		if err != nil {
			return Decision{}, fmt.Errorf("gate %s/%s: %w", ev.ItemID, ev.Kind, err)
		}
		if !armed {
			g.logger.Debug().Str("item_id", ev.ItemID).Str("kind", string(ev.Kind)).Msg("suppressed inside cooldown")
			return Decision{Record: rec, Reason: ReasonCooldown}, nil
		}
		return Decision{Notify: true, Record: stored, Reason: ReasonArmed}, nil

	case storage.AlertPriceDrop:
		if ev.Previous == nil || !ev.Current.LessThan(*ev.Previous) {
			return Decision{Record: rec, Reason: ReasonNoDrop}, nil
		}
		rec.Payload.PreviousPrice = ev.Previous
		stored, err := g.store.AppendAlert(ctx, rec)
		if err != nil {
			return Decision{}, fmt.Errorf("gate %s/%s: %w", ev.ItemID, ev.Kind, err)
		}
		return Decision{Notify: true, Record: stored, Reason: ReasonArmed}, nil

	case storage.AlertNewCategoryDiscount:
		if ev.CategoryID == "" {
			return Decision{}, fmt.Errorf("gate: category event for %s without category id", ev.ItemID)
		}
		fire, err := g.store.TrackCategoryItem(ctx, ev.CategoryID, storage.KnownItem{
			ItemID:      ev.ItemID,
			Price:       ev.Current,
			DiscountPct: ev.Discount,
			LastSeen:    ev.DetectedAt,
		})
		if err != nil {
			return Decision{}, fmt.Errorf("gate %s/%s: %w", ev.ItemID, ev.Kind, err)
		}
		if !fire {
			return Decision{Record: rec, Reason: ReasonNotNewItem}, nil
		}
		rec.Payload.CategoryID = ev.CategoryID
		stored, err := g.store.AppendAlert(ctx, rec)
		if err != nil {
			return Decision{}, fmt.Errorf("gate %s/%s: %w", ev.ItemID, ev.Kind, err)
		}
		return Decision{Notify: true, Record: stored, Reason: ReasonNewItem}, nil
	}

	return Decision{}, fmt.Errorf("gate: unknown alert kind %q", ev.Kind)
}
