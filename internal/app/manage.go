package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/registry"
	"pricewatch/internal/storage"
)

// WatchOptions describe an item to watch.
type WatchOptions struct {
	SubscriberID int64
	ItemID       string
	Site         string
	Title        string
	URL          string
}

func (a *App) withRegistry(ctx context.Context, fn func(reg *registry.Registry, store storage.Repository) error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(registry.New(store, a.Logger), store)
}

// WatchAdd subscribes to an item, creating it when new.
func (a *App) WatchAdd(ctx context.Context, opts WatchOptions) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, _ storage.Repository) error {
		item, err := reg.SubscribeItem(ctx, opts.SubscriberID, storage.WatchedItem{
			ItemID: opts.ItemID,
			Site:   strings.ToLower(strings.TrimSpace(opts.Site)),
			Title:  opts.Title,
			URL:    opts.URL,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "watching %s on %s (owner %d)\n", item.ItemID, item.Site, item.AddedBy)
		return nil
	})
}

// WatchRemove deletes an item owned by the subscriber.
func (a *App) WatchRemove(ctx context.Context, subscriberID int64, itemID string) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, _ storage.Repository) error {
		if err := reg.UnsubscribeItem(ctx, subscriberID, itemID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "removed %s\n", itemID)
		return nil
	})
}

// WatchList prints watched items, all of them when subscriberID is zero.
func (a *App) WatchList(ctx context.Context, subscriberID int64) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, store storage.Repository) error {
		var (
			items []storage.WatchedItem
			err   error
		)
		if subscriberID == 0 {
			items, err = store.ListWatchedItems(ctx)
		} else {
			items, err = reg.ItemsFor(ctx, subscriberID)
		}
		if err != nil {
			return err
		}
		printItems(os.Stdout, items)
		return nil
	})
}

// CategoryAdd creates a watched category.
func (a *App) CategoryAdd(ctx context.Context, subscriberID int64, name, query, site string) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, _ storage.Repository) error {
		cat, err := reg.AddCategory(ctx, subscriberID, name, query, site)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "category %s (%q) created\n", cat.ID, cat.Name)
		return nil
	})
}

// CategorySubscribe subscribes to an existing category.
func (a *App) CategorySubscribe(ctx context.Context, subscriberID int64, categoryID string) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, _ storage.Repository) error {
		return reg.SubscribeCategory(ctx, subscriberID, categoryID)
	})
}

// CategoryRemove deletes a category owned by the subscriber.
func (a *App) CategoryRemove(ctx context.Context, subscriberID int64, categoryID string) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, _ storage.Repository) error {
		if err := reg.RemoveCategory(ctx, subscriberID, categoryID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "removed category %s\n", categoryID)
		return nil
	})
}

// CategoryList prints categories, all of them when subscriberID is zero.
func (a *App) CategoryList(ctx context.Context, subscriberID int64) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, store storage.Repository) error {
		var (
			cats []storage.WatchedCategory
			err  error
		)
		if subscriberID == 0 {
			cats, err = store.ListCategories(ctx)
		} else {
			cats, err = reg.CategoriesFor(ctx, subscriberID)
		}
		if err != nil {
			return err
		}
		printCategories(os.Stdout, cats)
		return nil
	})
}

// Settings updates and then prints a subscriber's thresholds. Nil leaves a value unchanged.
func (a *App) Settings(ctx context.Context, subscriberID int64, bigDiscount, priceError *decimal.Decimal) error {
	return a.withRegistry(ctx, func(reg *registry.Registry, _ storage.Repository) error {
		if bigDiscount != nil || priceError != nil {
			current, err := reg.EnsureSubscriber(ctx, subscriberID, "")
			if err != nil {
				return err
			}
			if bigDiscount == nil {
				bigDiscount = current.BigDiscountThreshold
			}
			if priceError == nil {
				priceError = current.PriceErrorThreshold
			}
			if err := reg.UpdateThresholds(ctx, subscriberID, bigDiscount, priceError); err != nil {
				return err
			}
		}
		sub, err := reg.EnsureSubscriber(ctx, subscriberID, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "subscriber %d\n  big discount threshold: %s\n  price error ratio: %s\n",
			sub.ID,
			thresholdText(sub.BigDiscountThreshold, fmt.Sprintf("%.0f%% (global)", a.Config.Alerting.BigDiscountThreshold), "%"),
			thresholdText(sub.PriceErrorThreshold, fmt.Sprintf("%.2f (global)", a.Config.Alerting.PriceErrorThreshold), ""),
		)
		return nil
	})
}

func thresholdText(v *decimal.Decimal, fallback, suffix string) string {
	if v == nil {
		return fallback
	}
	return v.String() + suffix
}

// CompareAdd registers a cross-site comparison.
func (a *App) CompareAdd(ctx context.Context, subscriberID int64, product, query string) error {
	product, query = strings.TrimSpace(product), strings.TrimSpace(query)
	if query == "" {
		query = product
	}
	if product == "" {
		return fmt.Errorf("%w: product name is required", registry.ErrInvalid)
	}
	return a.withRegistry(ctx, func(reg *registry.Registry, store storage.Repository) error {
		if _, err := reg.EnsureSubscriber(ctx, subscriberID, ""); err != nil {
			return err
		}
		cmp, err := store.AddComparison(ctx, storage.Comparison{SubscriberID: subscriberID, ProductName: product, SearchQuery: query})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "comparison %d created for %q\n", cmp.ID, cmp.ProductName)
		return nil
	})
}

// CompareList prints every comparison with its best offer.
func (a *App) CompareList(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	comparisons, err := store.ListComparisons(ctx)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOwner\tProduct\tBest\tSite\tChecked (UTC)")
	for _, c := range comparisons {
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\t%s\n", c.ID, c.SubscriberID, sanitizeInline(c.ProductName), optionalPrice(c.BestPrice), c.BestSite, optionalTime(c.LastCheckedAt))
	}
	return writer.Flush()
}

// Stats prints aggregate counters; alerts are counted over the last seven days.
func (a *App) Stats(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Stats(ctx, time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		return err
	}
	printStats(os.Stdout, stats)
	return nil
}

func printStats(w io.Writer, s storage.Stats) {
	fmt.Fprintf(w, "subscribers:   %d\n", s.Subscribers)
	fmt.Fprintf(w, "watched items: %d\n", s.WatchedItems)
	fmt.Fprintf(w, "categories:    %d\n", s.Categories)
	fmt.Fprintf(w, "observations:  %d\n", s.Observations)
	fmt.Fprintf(w, "avg price:     $%s CAD\n", s.AvgLastKnownPrice.StringFixed(2))
	kinds := make([]string, 0, len(s.AlertsByKind))
	for k := range s.AlertsByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Fprintln(w, "alerts (7d):")
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-22s %d\n", k, s.AlertsByKind[storage.AlertKind(k)])
	}
}

func printItems(w io.Writer, items []storage.WatchedItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no watched items")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Item\tSite\tOwner\tLast\tLowest\tChecked (UTC)\tTitle")
	for _, it := range items {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			it.ItemID, it.Site, it.AddedBy,
			optionalPrice(it.LastKnownPrice), optionalPrice(it.LowestKnownPrice),
			optionalTime(it.LastCheckedAt), sanitizeInline(it.Title))
	}
	writer.Flush()
}

func printCategories(w io.Writer, cats []storage.WatchedCategory) {
	if len(cats) == 0 {
		fmt.Fprintln(w, "no categories")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tQuery\tSite\tOwner\tProducts\tDiscounted\tChecked (UTC)")
	for _, c := range cats {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.ID, sanitizeInline(c.Name), sanitizeInline(c.SearchQuery), c.Site, c.AddedBy,
			c.ProductCount, c.DiscountedCount, optionalTime(c.LastCheckedAt))
	}
	writer.Flush()
}

func optionalPrice(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
