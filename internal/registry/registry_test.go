package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

func newRegistry(t *testing.T) (*Registry, *storage.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop()), store
}

func TestItemOwnership(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	item, err := reg.SubscribeItem(ctx, 1, storage.WatchedItem{ItemID: " X42 ", Site: "example", Title: "CPU"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if item.ItemID != "X42" || item.AddedBy != 1 {
		t.Fatalf("unexpected item: %+v", item)
	}
	if _, err := reg.SubscribeItem(ctx, 2, storage.WatchedItem{ItemID: "X42", Site: "example"}); err != nil {
		t.Fatalf("second subscriber: %v", err)
	}

	subs, err := reg.ResolveSubscribersForItem(ctx, "X42")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(subs) != 2 || subs[0] != 1 || subs[1] != 2 {
		t.Fatalf("unexpected subscribers: %v", subs)
	}

	if err := reg.UnsubscribeItem(ctx, 2, "X42"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := reg.UnsubscribeItem(ctx, 1, "X42"); err != nil {
		t.Fatalf("owner removal: %v", err)
	}
	subs, err = reg.ResolveSubscribersForItem(ctx, "X42")
	if err != nil || len(subs) != 0 {
		t.Fatalf("subscriptions survived owner removal: %v %v", subs, err)
	}
	if err := reg.UnsubscribeItem(ctx, 1, "X42"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeItemRequiresID(t *testing.T) {
	reg, _ := newRegistry(t)
	if _, err := reg.SubscribeItem(context.Background(), 1, storage.WatchedItem{ItemID: "  "}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestCategoryLifecycle(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	cat, err := reg.AddCategory(ctx, 1, "", "rtx 4070", "Example")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if cat.ID == "" || cat.Name != "rtx 4070" || cat.Site != "example" {
		t.Fatalf("unexpected category: %+v", cat)
	}
	if err := reg.SubscribeCategory(ctx, 3, cat.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := reg.SubscribeCategory(ctx, 3, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	subs, err := reg.ResolveSubscribersForCategory(ctx, cat.ID)
	if err != nil || len(subs) != 2 {
		t.Fatalf("subscribers: %v %v", subs, err)
	}

	if err := reg.RemoveCategory(ctx, 3, cat.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := reg.RemoveCategory(ctx, 1, cat.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cats, err := reg.CategoriesFor(ctx, 3)
	if err != nil || len(cats) != 0 {
		t.Fatalf("categories survived removal: %v %v", cats, err)
	}
}

func TestUpdateThresholds(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	big := decimal.NewFromInt(45)
	if err := reg.UpdateThresholds(ctx, 9, &big, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	sub, err := reg.Subscriber(ctx, 9)
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	if sub.BigDiscountThreshold == nil || !sub.BigDiscountThreshold.Equal(big) {
		t.Fatalf("threshold not stored: %+v", sub)
	}

	bad := decimal.NewFromInt(2)
	if err := reg.UpdateThresholds(ctx, 9, nil, &bad); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]int64{5, 1, 5, 3, 1})
	want := []int64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
