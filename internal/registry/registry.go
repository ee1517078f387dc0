// Package registry maps watched items and categories to their subscribers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

var (
	// ErrNotOwner is returned when a subscriber removes something another subscriber added.
	ErrNotOwner = errors.New("registry: not the owner")
	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("registry: invalid request")
)

// Store is the persistence the registry needs.
type Store interface {
	storage.WatchStore
	storage.SubscriberStore
}

// Registry owns subscription bookkeeping.
type Registry struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// New builds a registry.
func New(store Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// EnsureSubscriber registers id on first contact.
func (r *Registry) EnsureSubscriber(ctx context.Context, id int64, username string) (storage.Subscriber, error) {
	return r.store.EnsureSubscriber(ctx, storage.Subscriber{ID: id, Username: username, CreatedAt: r.now()})
}

// Subscriber loads one subscriber.
func (r *Registry) Subscriber(ctx context.Context, id int64) (storage.Subscriber, error) {
	return r.store.GetSubscriber(ctx, id)
}

// UpdateThresholds stores per-subscriber overrides. Nil clears an override.
func (r *Registry) UpdateThresholds(ctx context.Context, id int64, bigDiscount, priceError *decimal.Decimal) error {
	if bigDiscount != nil && (!bigDiscount.IsPositive() || bigDiscount.GreaterThan(decimal.NewFromInt(100))) {
		return fmt.Errorf("%w: big discount threshold must be in (0, 100]", ErrInvalid)
	}
	if priceError != nil && (!priceError.IsPositive() || priceError.GreaterThan(decimal.NewFromInt(1))) {
		return fmt.Errorf("%w: price error ratio must be in (0, 1]", ErrInvalid)
	}
	if _, err := r.EnsureSubscriber(ctx, id, ""); err != nil {
		return err
	}
	return r.store.UpdateSubscriberThresholds(ctx, id, bigDiscount, priceError)
}

// SubscribeItem starts watching item for subscriberID. The first subscriber to
// add an item owns it.
func (r *Registry) SubscribeItem(ctx context.Context, subscriberID int64, item storage.WatchedItem) (storage.WatchedItem, error) {
	item.ItemID = strings.TrimSpace(item.ItemID)
	if item.ItemID == "" {
		return storage.WatchedItem{}, fmt.Errorf("%w: item id is required", ErrInvalid)
	}
	if _, err := r.EnsureSubscriber(ctx, subscriberID, ""); err != nil {
		return storage.WatchedItem{}, err
	}

	item.AddedBy = subscriberID
	if item.AddedAt.IsZero() {
		item.AddedAt = r.now()
	}
	created, err := r.store.AddWatchedItem(ctx, item)
	if err != nil {
		return storage.WatchedItem{}, err
	}
	if err := r.store.SubscribeItem(ctx, subscriberID, item.ItemID); err != nil {
		return storage.WatchedItem{}, err
	}
	if created {
		r.logger.Info().Int64("subscriber_id", subscriberID).Str("item_id", item.ItemID).Msg("item added to watch list")
	}
	return r.store.GetWatchedItem(ctx, item.ItemID)
}

// UnsubscribeItem removes a watched item. Only its owner may do so; removal
// drops every other subscription to it as well.
func (r *Registry) UnsubscribeItem(ctx context.Context, subscriberID int64, itemID string) error {
	item, err := r.store.GetWatchedItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.AddedBy != subscriberID {
		return ErrNotOwner
	}
	if err := r.store.DeleteWatchedItem(ctx, itemID); err != nil {
		return err
	}
	r.logger.Info().Int64("subscriber_id", subscriberID).Str("item_id", itemID).Msg("item removed from watch list")
	return nil
}

// ItemsFor lists what subscriberID watches.
func (r *Registry) ItemsFor(ctx context.Context, subscriberID int64) ([]storage.WatchedItem, error) {
	return r.store.ListWatchedItemsFor(ctx, subscriberID)
}

// AddCategory creates a watched category owned by subscriberID and subscribes them to it.
func (r *Registry) AddCategory(ctx context.Context, subscriberID int64, name, query, site string) (storage.WatchedCategory, error) {
	name, query = strings.TrimSpace(name), strings.TrimSpace(query)
	if query == "" {
		return storage.WatchedCategory{}, fmt.Errorf("%w: search query is required", ErrInvalid)
	}
	if name == "" {
		name = query
	}
	if _, err := r.EnsureSubscriber(ctx, subscriberID, ""); err != nil {
		return storage.WatchedCategory{}, err
	}

	cat := storage.WatchedCategory{
		ID:          uuid.NewString(),
		Name:        name,
		SearchQuery: query,
		Site:        strings.ToLower(strings.TrimSpace(site)),
		AddedBy:     subscriberID,
		AddedAt:     r.now(),
	}
	if err := r.store.AddCategory(ctx, cat); err != nil {
		return storage.WatchedCategory{}, err
	}
	if err := r.store.SubscribeCategory(ctx, subscriberID, cat.ID); err != nil {
		return storage.WatchedCategory{}, err
	}
	r.logger.Info().Int64("subscriber_id", subscriberID).Str("category_id", cat.ID).Str("query", query).Msg("category added")
	return cat, nil
}

// SubscribeCategory subscribes to an existing category.
func (r *Registry) SubscribeCategory(ctx context.Context, subscriberID int64, categoryID string) error {
	if _, err := r.store.GetCategory(ctx, categoryID); err != nil {
		return err
	}
	if _, err := r.EnsureSubscriber(ctx, subscriberID, ""); err != nil {
		return err
	}
	return r.store.SubscribeCategory(ctx, subscriberID, categoryID)
}

// RemoveCategory deletes a category; owner only.
func (r *Registry) RemoveCategory(ctx context.Context, subscriberID int64, categoryID string) error {
	cat, err := r.store.GetCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if cat.AddedBy != subscriberID {
		return ErrNotOwner
	}
	return r.store.DeleteCategory(ctx, categoryID)
}

// CategoriesFor lists the categories subscriberID follows.
func (r *Registry) CategoriesFor(ctx context.Context, subscriberID int64) ([]storage.WatchedCategory, error) {
	return r.store.ListCategoriesFor(ctx, subscriberID)
}

// ResolveSubscribersForItem returns the sorted, distinct subscribers of itemID.
func (r *Registry) ResolveSubscribersForItem(ctx context.Context, itemID string) ([]int64, error) {
	ids, err := r.store.ListSubscribersForItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return dedupe(ids), nil
}

// ResolveSubscribersForCategory returns the sorted, distinct subscribers of categoryID.
func (r *Registry) ResolveSubscribersForCategory(ctx context.Context, categoryID string) ([]int64, error) {
	ids, err := r.store.ListSubscribersForCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	return dedupe(ids), nil
}

func dedupe(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if len(out) > 0 && out[len(out)-1] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}
