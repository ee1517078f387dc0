package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/analyzer"
	"pricewatch/internal/catalog"
	"pricewatch/internal/config"
	"pricewatch/internal/gate"
	"pricewatch/internal/registry"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/service"
	"pricewatch/internal/storage"
	"pricewatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is the wired object graph behind the scanning commands.
type runtime struct {
	store      storage.Repository
	sources    *catalog.Sources
	registry   *registry.Registry
	gate       *gate.Gate
	dispatcher *alerting.Dispatcher
	service    *service.Service
	closers    []func() error
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (storage.Repository, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// open wires every component. notifier overrides the configured sink when set.
func (a *App) open(ctx context.Context, notifier alerting.Notifier) (*runtime, error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store, closers: []func() error{store.Close}}

	sources, closers, err := a.newSources()
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.sources = sources
	rt.closers = append(rt.closers, closers...)

	if notifier == nil {
		notifier = a.newNotifier()
	}
	rt.registry = registry.New(store, a.Logger)
	rt.gate = gate.New(store, a.Config.Alerting.Cooldown, gate.WithLogger(a.Logger))
	if notifier != nil {
		rt.dispatcher = alerting.NewDispatcher(notifier, store, a.Config.Alerting.Parallelism, a.Logger)
	}

	deps := service.Deps{
		Sources:   sources,
		Store:     store,
		Analyzer:  analyzer.New(a.thresholds()),
		Estimator: analyzer.NewEstimator(a.Config.Analyzer.Ranges),
		Gate:      rt.gate,
		Resolver:  rt.registry,
	}
	if rt.dispatcher != nil {
		deps.Dispatcher = rt.dispatcher
	}
	rt.service = service.New(a.serviceOptions(), deps, a.Logger)
	return rt, nil
}

func (a *App) thresholds() analyzer.Thresholds {
	al := a.Config.Alerting
	return analyzer.Thresholds{
		BigDiscountPct:   decimal.NewFromFloat(al.BigDiscountThreshold),
		PriceErrorRatio:  decimal.NewFromFloat(al.PriceErrorThreshold),
		MinPriceForError: decimal.NewFromFloat(al.MinPriceForError),
	}
}

func (a *App) serviceOptions() service.Options {
	c := a.Config
	return service.Options{
		ItemPause:        c.Pacing.ItemPause,
		CategoryPause:    c.Pacing.CategoryPause,
		GlobalPause:      c.Pacing.GlobalPause,
		BackoffMin:       c.Pacing.BackoffMin,
		BackoffMax:       c.Pacing.BackoffMax,
		CategoryMaxItems: c.Categories.MaxItems,
		GlobalQueries:    c.GlobalScan.Queries,
		GlobalMaxItems:   c.GlobalScan.MaxItems,
		GlobalNotify:     c.GlobalScan.NotifySubscriber,
		CompareMaxItems:  c.Compare.MaxItems,
		LockKey:          c.Scheduler.AdvisoryLockKey,
	}
}

// newSources builds one catalog source per configured site. Sites sharing a
// loader kind share one loader, so the headless browser session is opened once.
func (a *App) newSources() (*catalog.Sources, []func() error, error) {
	if len(a.Config.Sites) == 0 {
		return nil, nil, errors.New("no sites configured")
	}

	var (
		httpLoader     *catalog.HTTPLoader
		headlessLoader *catalog.HeadlessLoader
		closers        []func() error
	)
	userAgent := a.Config.HTTP.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	sources := catalog.NewSources()
	for _, site := range a.Config.Sites {
		var loader catalog.Loader
		switch strings.ToLower(site.Loader) {
		case "headless":
			if headlessLoader == nil {
				headlessLoader = catalog.NewHeadlessLoader(catalog.HeadlessOptions{
					ControlURL:  a.Config.Headless.ControlURL,
					PageTimeout: a.Config.Headless.PageTimeout,
				}, a.Logger)
				closers = append(closers, headlessLoader.Close)
			}
			loader = headlessLoader
		default:
			if httpLoader == nil {
				httpLoader = catalog.NewHTTPLoader(catalog.HTTPOptions{
					Timeout:       a.Config.HTTP.Timeout,
					UserAgent:     userAgent,
					RatePerSecond: a.Config.HTTP.RatePerSecond,
					RateBurst:     a.Config.HTTP.RateBurst,
					RespectRobots: a.Config.HTTP.RespectRobots,
				}, a.Logger)
			}
			loader = httpLoader
		}
		sources.Add(catalog.NewSite(catalog.SiteOptions{
			Name:      strings.ToLower(strings.TrimSpace(site.Name)),
			ItemURL:   site.ItemURL,
			SearchURL: site.SearchURL,
		}, loader, a.Logger))
	}
	return sources, closers, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	a.Logger.Warn().Msg("no delivery channel configured; alerts are logged only")
	return alerting.NewLogNotifier(a.Logger)
}

// Run executes the long-running scan service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.open(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	var schedulers []*scheduler.Scheduler
	for _, name := range []string{service.JobItems, service.JobCategories, service.JobGlobal, service.JobCompare} {
		job := a.Config.Scheduler.Jobs()[name]
		if !job.Enabled {
			continue
		}
		tick, err := rt.service.Job(name)
		if err != nil {
			return err
		}
		sched, err := scheduler.New(scheduler.Options{
			Name:         name,
			Interval:     job.Interval,
			AlignToStart: a.Config.Scheduler.AlignToStart,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
		}, tick, a.Logger)
		if err != nil {
			return err
		}
		schedulers = append(schedulers, sched)
	}
	if retention := a.Config.Alerting.Retention; retention > 0 {
		sched, err := scheduler.New(scheduler.Options{Name: "retention", Interval: 24 * time.Hour, RunOnStart: true}, a.pruneAlerts(rt.store, retention), a.Logger)
		if err != nil {
			return err
		}
		schedulers = append(schedulers, sched)
	}
	if len(schedulers) == 0 {
		return errors.New("no scheduler jobs enabled")
	}

	a.Logger.Info().Int("jobs", len(schedulers)).Str("version", version.Version).Msg("starting scan service")
	if err := scheduler.RunAll(ctx, schedulers...); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scan service stopped")
	return nil
}

func (a *App) pruneAlerts(store storage.AlertStore, retention time.Duration) scheduler.TickFunc {
	return func(ctx context.Context, tick time.Time) error {
		n, err := store.DeleteAlertsBefore(ctx, tick.Add(-retention))
		if err != nil {
			return fmt.Errorf("prune alerts: %w", err)
		}
		if n > 0 {
			a.Logger.Info().Int64("deleted", n).Msg("pruned old alert records")
		}
		return nil
	}
}

// ExportOptions hold parameters for exporting an item's price history.
type ExportOptions struct {
	ItemID    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Kind   string
	ItemID string
	Limit  int
}

// ScanOptions configure scan-now.
type ScanOptions struct {
	Jobs   []string
	DryRun bool
}
