// Package service runs the scan jobs: it pulls observations from the catalog
// sources, classifies them, gates the resulting events and fans them out to
// subscribers.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/analyzer"
	"pricewatch/internal/catalog"
	"pricewatch/internal/gate"
	"pricewatch/internal/storage"
)

// Job names, used in logs, reports and scheduler config.
const (
	JobItems      = "items"
	JobCategories = "categories"
	JobGlobal     = "global"
	JobCompare    = "compare"
)

// Store is the persistence surface the orchestrator touches.
type Store interface {
	storage.ObservationStore
	storage.ComparisonStore
	ListWatchedItems(ctx context.Context) ([]storage.WatchedItem, error)
	ListCategories(ctx context.Context) ([]storage.WatchedCategory, error)
	MarkCategoryChecked(ctx context.Context, categoryID string, checkedAt time.Time, productCount, discountedCount int) error
}

// Resolver maps items and categories to subscriber ids.
type Resolver interface {
	ResolveSubscribersForItem(ctx context.Context, itemID string) ([]int64, error)
	ResolveSubscribersForCategory(ctx context.Context, categoryID string) ([]int64, error)
}

// Dispatcher delivers alert records and free-form messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec storage.AlertRecord, subscriberIDs []int64) int
	SendText(ctx context.Context, subscriberID int64, message string) error
}

// Options tune pacing and the supplementary jobs.
type Options struct {
	ItemPause     time.Duration
	CategoryPause time.Duration
	GlobalPause   time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	CategoryMaxItems int

	GlobalQueries  []string
	GlobalMaxItems int
	GlobalNotify   int64

	CompareMaxItems int

	// LockKey enables the cross-process advisory lock when the store supports it.
	LockKey int64
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Sources    *catalog.Sources
	Store      Store
	Analyzer   *analyzer.Analyzer
	Estimator  *analyzer.Estimator
	Gate       *gate.Gate
	Resolver   Resolver
	Dispatcher Dispatcher
}

// Report summarises one job run.
type Report struct {
	Job       string
	Started   time.Time
	Duration  time.Duration
	Targets   int
	Observed  int
	Skipped   int
	Blocked   int
	Alerts    int
	Delivered int
}

// Service orchestrates scanning, persistence and alerting.
type Service struct {
	sources    *catalog.Sources
	store      Store
	analyzer   *analyzer.Analyzer
	estimator  *analyzer.Estimator
	gate       *gate.Gate
	resolver   Resolver
	dispatcher Dispatcher
	logger     zerolog.Logger

	opts  Options
	pacer *pacer

	// session serialises jobs that share the catalog sources.
	session sync.Mutex
	locker  storage.AdvisoryLocker
	now     func() time.Time
}

// New constructs the orchestrator.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.CategoryMaxItems <= 0 {
		opts.CategoryMaxItems = 30
	}
	if opts.GlobalMaxItems <= 0 {
		opts.GlobalMaxItems = 20
	}
	if opts.CompareMaxItems <= 0 {
		opts.CompareMaxItems = 10
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.New(analyzer.DefaultThresholds())
	}
	if deps.Estimator == nil {
		deps.Estimator = analyzer.NewEstimator(nil)
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		sources:    deps.Sources,
		store:      deps.Store,
		analyzer:   deps.Analyzer,
		estimator:  deps.Estimator,
		gate:       deps.Gate,
		resolver:   deps.Resolver,
		dispatcher: deps.Dispatcher,
		logger:     logger.With().Str("component", "service").Logger(),
		opts:       opts,
		pacer:      newPacer(opts.BackoffMin, opts.BackoffMax),
		locker:     locker,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Job returns the tick function for a named job, for use with the scheduler.
func (s *Service) Job(name string) (func(ctx context.Context, tick time.Time) error, error) {
	var run func(context.Context, time.Time) (Report, error)
	switch name {
	case JobItems:
		run = s.ScanItems
	case JobCategories:
		run = s.SweepCategories
	case JobGlobal:
		run = s.ScanGlobal
	case JobCompare:
		run = s.CompareSites
	default:
		return nil, fmt.Errorf("unknown job %q", name)
	}
	return func(ctx context.Context, tick time.Time) error {
		_, err := run(ctx, tick)
		return err
	}, nil
}

// siteKey is the pacer key for a target's site. An empty site means the
// default source, so both resolve to the same key.
func (s *Service) siteKey(site string) string {
	if src, err := s.sources.Get(site); err == nil {
		return strings.ToLower(src.Name())
	}
	return strings.ToLower(strings.TrimSpace(site))
}

// begin takes the in-process session and, when configured, the advisory lock.
// proceed=false means another process holds the lock.
func (s *Service) begin(ctx context.Context, job string, tick time.Time) (func(), bool, error) {
	s.session.Lock()
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil || !proceed {
		s.session.Unlock()
		if err == nil {
			s.logger.Debug().Str("job", job).Time("tick", tick).Msg("skip job because advisory lock held elsewhere")
		}
		return nil, false, err
	}
	return func() {
		if unlock != nil {
			unlock()
		}
		s.session.Unlock()
	}, true, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) finish(rep *Report) {
	rep.Duration = time.Since(rep.Started)
	s.logger.Info().
		Str("job", rep.Job).
		Int("targets", rep.Targets).
		Int("observed", rep.Observed).
		Int("skipped", rep.Skipped).
		Int("blocked", rep.Blocked).
		Int("alerts", rep.Alerts).
		Int("delivered", rep.Delivered).
		Dur("duration", rep.Duration).
		Msg("job finished")
}

// assessment is the analyzer verdict for one recorded observation.
type assessment struct {
	obs      catalog.Observation
	previous *decimal.Decimal
	expected *analyzer.PriceRange
	result   analyzer.Result
}

// record validates and persists obs, then runs the estimator and analyzer
// against the price it superseded.
func (s *Service) record(ctx context.Context, obs catalog.Observation) (assessment, error) {
	if err := obs.Validate(); err != nil {
		return assessment{}, err
	}
	previous, err := s.store.RecordObservation(ctx, obs)
	if err != nil {
		return assessment{}, fmt.Errorf("record observation %s: %w", obs.ItemID, err)
	}

	a := assessment{obs: obs, previous: previous}
	if rng, ok := s.estimator.Estimate(obs.Title, obs.Category); ok {
		a.expected = &rng
	}
	a.result = s.analyzer.Analyze(analyzer.Input{
		CurrentPrice:  obs.CurrentPrice,
		OriginalPrice: obs.OriginalPrice,
		LastPrice:     previous,
		ExpectedRange: a.expected,
		Title:         obs.Title,
	})
	return a, nil
}

// route picks the single event kind for an assessment: a price error beats a
// big discount, which beats a plain price drop. ok=false means nothing to gate.
func route(a assessment, allowDrop bool) (storage.AlertKind, bool) {
	switch {
	case a.result.IsPriceError:
		return storage.AlertPriceError, true
	case a.result.IsBigDiscount:
		return storage.AlertBigDiscount, true
	case allowDrop && a.previous != nil && a.obs.CurrentPrice.LessThan(*a.previous):
		return storage.AlertPriceDrop, true
	}
	return "", false
}

func (s *Service) admit(ctx context.Context, a assessment, kind storage.AlertKind) (gate.Decision, error) {
	return s.gate.Admit(ctx, gate.Event{
		ItemID:     a.obs.ItemID,
		Kind:       kind,
		DetectedAt: a.obs.ObservedAt,
		Payload:    payloadFor(a),
		Current:    a.obs.CurrentPrice,
		Previous:   a.previous,
	})
}

func payloadFor(a assessment) storage.AlertPayload {
	p := storage.AlertPayload{
		Title:         a.obs.Title,
		URL:           a.obs.URL,
		Site:          a.obs.Site,
		InStock:       a.obs.InStock,
		Price:         a.obs.CurrentPrice,
		OriginalPrice: a.obs.OriginalPrice,
		PreviousPrice: a.previous,
		DiscountPct:   a.result.DiscountPercent,
		ErrorKind:     string(a.result.ErrorKind),
		Confidence:    a.result.Confidence,
	}
	if a.expected != nil {
		lo, hi := a.expected.Min, a.expected.Max
		p.ExpectedMin = &lo
		p.ExpectedMax = &hi
	}
	return p
}

// watchedDrop reports a drop seen by a sweep to the subscribers watching that
// item, since the sweep's observation becomes the item's new baseline.
func (s *Service) watchedDrop(ctx context.Context, a assessment, rep *Report, log zerolog.Logger) {
	if a.previous == nil || !a.obs.CurrentPrice.LessThan(*a.previous) {
		return
	}
	ids, err := s.resolver.ResolveSubscribersForItem(ctx, a.obs.ItemID)
	if err != nil {
		log.Error().Err(err).Str("item_id", a.obs.ItemID).Msg("resolve subscribers failed")
		return
	}
	if len(ids) == 0 {
		return
	}
	decision, err := s.admit(ctx, a, storage.AlertPriceDrop)
	if err != nil {
		log.Error().Err(err).Str("item_id", a.obs.ItemID).Msg("gate failed")
		return
	}
	if !decision.Notify {
		return
	}
	rep.Alerts++
	rep.Delivered += s.dispatch(ctx, decision.Record, ids)
}

func (s *Service) dispatch(ctx context.Context, rec storage.AlertRecord, ids []int64) int {
	if s.dispatcher == nil || len(ids) == 0 {
		return 0
	}
	return s.dispatcher.Dispatch(ctx, rec, ids)
}
