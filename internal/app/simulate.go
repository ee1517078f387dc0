package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/analyzer"
	"pricewatch/internal/catalog"
	"pricewatch/internal/gate"
	"pricewatch/internal/registry"
	"pricewatch/internal/service"
	"pricewatch/internal/storage"
)

// SimulateOptions describe one synthetic listing.
type SimulateOptions struct {
	Title         string
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	PreviousPrice *decimal.Decimal
	SubscriberID  int64
	// Deliver sends through the configured channel instead of printing.
	Deliver bool
}

// SimulateAlert 通过一条模拟商品走一遍完整告警流程。The run uses a throwaway
// in-memory store, so the real database is never touched.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !opts.Price.IsPositive() {
		return errors.New("--price must be greater than zero")
	}
	if opts.SubscriberID == 0 {
		opts.SubscriberID = 1
	}
	if opts.Title == "" {
		opts.Title = "Simulated product"
	}

	store, err := storage.OpenSQLite(ctx, ":memory:")
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	recorder := &alerting.RecordingNotifier{}
	var notifier alerting.Notifier = recorder
	if opts.Deliver {
		notifier = a.newNotifier()
		if notifier == nil {
			return errors.New("alerting 未启用")
		}
	}

	const itemID = "SIMULATED"
	reg := registry.New(store, a.Logger)
	if _, err := reg.SubscribeItem(ctx, opts.SubscriberID, storage.WatchedItem{
		ItemID:         itemID,
		Site:           "simulated",
		Title:          opts.Title,
		LastKnownPrice: opts.PreviousPrice,
	}); err != nil {
		return err
	}

	src := &staticSource{obs: catalog.Observation{
		ItemID:        itemID,
		Site:          "simulated",
		Title:         opts.Title,
		CurrentPrice:  opts.Price,
		OriginalPrice: opts.OriginalPrice,
		InStock:       true,
		URL:           "https://example.invalid/simulated",
		ObservedAt:    time.Now().UTC(),
	}}

	svc := service.New(service.Options{}, service.Deps{
		Sources:    catalog.NewSources(src),
		Store:      store,
		Analyzer:   analyzer.New(a.thresholds()),
		Estimator:  analyzer.NewEstimator(a.Config.Analyzer.Ranges),
		Gate:       gate.New(store, a.Config.Alerting.Cooldown),
		Resolver:   reg,
		Dispatcher: alerting.NewDispatcher(notifier, store, 1, a.Logger),
	}, a.Logger)

	rep, err := svc.ScanItems(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if rep.Alerts == 0 {
		fmt.Fprintln(os.Stdout, "no alert: the listing did not trip any rule")
		return nil
	}
	for _, sent := range recorder.Messages() {
		fmt.Fprintf(os.Stdout, "--- to %d ---\n%s\n", sent.SubscriberID, sent.Message)
	}
	return nil
}

// staticSource always returns the same observation.
type staticSource struct {
	obs catalog.Observation
}

func (s *staticSource) Name() string { return s.obs.Site }

func (s *staticSource) FetchItem(context.Context, catalog.ItemRef) (catalog.ItemResult, error) {
	return catalog.Found(s.obs), nil
}

func (s *staticSource) FetchCategory(context.Context, string, int) ([]catalog.Observation, error) {
	return []catalog.Observation{s.obs}, nil
}

var _ catalog.Source = (*staticSource)(nil)
