package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/catalog"
)

var (
	// ErrNotConfigured indicates the storage handle was not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
)

// ObservationStore persists the price history.
type ObservationStore interface {
	GetLastPrice(ctx context.Context, itemID string) (*decimal.Decimal, error)
	// RecordObservation appends obs and returns the price it superseded, if any.
	// Reading the previous price and writing the new one is atomic per item.
	RecordObservation(ctx context.Context, obs catalog.Observation) (*decimal.Decimal, error)
	ListHistory(ctx context.Context, itemID string, since time.Time, limit int) ([]ObservationRecord, error)
}

// AlertStore defines operations for alert de-duplication and auditing.
type AlertStore interface {
	GetActiveAlert(ctx context.Context, itemID string, kind AlertKind, now time.Time, cooldown time.Duration) (AlertRecord, error)
	// PutAlert arms the (item, kind) gate and stores rec unless an alert is
	// already active inside cooldown. It reports whether rec was stored.
	PutAlert(ctx context.Context, rec AlertRecord, cooldown time.Duration) (AlertRecord, bool, error)
	AppendAlert(ctx context.Context, rec AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, kind AlertKind, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// WatchStore covers watched items, categories and their subscriptions.
type WatchStore interface {
	AddWatchedItem(ctx context.Context, item WatchedItem) (bool, error)
	GetWatchedItem(ctx context.Context, itemID string) (WatchedItem, error)
	DeleteWatchedItem(ctx context.Context, itemID string) error
	ListWatchedItems(ctx context.Context) ([]WatchedItem, error)
	ListWatchedItemsFor(ctx context.Context, subscriberID int64) ([]WatchedItem, error)
	SubscribeItem(ctx context.Context, subscriberID int64, itemID string) error
	UnsubscribeItem(ctx context.Context, subscriberID int64, itemID string) error
	ListSubscribersForItem(ctx context.Context, itemID string) ([]int64, error)

	AddCategory(ctx context.Context, cat WatchedCategory) error
	GetCategory(ctx context.Context, categoryID string) (WatchedCategory, error)
	DeleteCategory(ctx context.Context, categoryID string) error
	ListCategories(ctx context.Context) ([]WatchedCategory, error)
	ListCategoriesFor(ctx context.Context, subscriberID int64) ([]WatchedCategory, error)
	SubscribeCategory(ctx context.Context, subscriberID int64, categoryID string) error
	ListSubscribersForCategory(ctx context.Context, categoryID string) ([]int64, error)
	// TrackCategoryItem upserts item into the category's known items and reports
	// whether it is a new discount: discounted and either unseen or with a
	// strictly larger discount than last time.
	TrackCategoryItem(ctx context.Context, categoryID string, item KnownItem) (bool, error)
	ListKnownItems(ctx context.Context, categoryID string) ([]KnownItem, error)
	MarkCategoryChecked(ctx context.Context, categoryID string, checkedAt time.Time, productCount, discountedCount int) error
}

// SubscriberStore manages alert recipients.
type SubscriberStore interface {
	EnsureSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error)
	GetSubscriber(ctx context.Context, subscriberID int64) (Subscriber, error)
	UpdateSubscriberThresholds(ctx context.Context, subscriberID int64, bigDiscount, priceError *decimal.Decimal) error
}

// ComparisonStore persists cross-site comparisons.
type ComparisonStore interface {
	AddComparison(ctx context.Context, cmp Comparison) (Comparison, error)
	ListComparisons(ctx context.Context) ([]Comparison, error)
	UpdateComparison(ctx context.Context, cmp Comparison) error
}

// StatsStore aggregates counts for operators.
type StatsStore interface {
	Stats(ctx context.Context, alertsSince time.Time) (Stats, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is the full persistence surface used by the application.
type Repository interface {
	ObservationStore
	AlertStore
	WatchStore
	SubscriberStore
	ComparisonStore
	StatsStore
	Migrate(ctx context.Context) error
	Close() error
}

// gateCutoff is the latest arming time that no longer suppresses an alert
// detected at detectedAt.
func gateCutoff(detectedAt time.Time, cooldown time.Duration) time.Time {
	return detectedAt.Add(-cooldown)
}

// newDiscount decides whether a category item counts as a new discount.
func newDiscount(current decimal.Decimal, previous *decimal.Decimal) bool {
	if !current.IsPositive() {
		return false
	}
	return previous == nil || current.GreaterThan(*previous)
}

// lowerOf returns the smaller of current and a possibly absent lowest price.
func lowerOf(current decimal.Decimal, lowest *decimal.Decimal) decimal.Decimal {
	if lowest == nil || current.LessThan(*lowest) {
		return current
	}
	return *lowest
}
