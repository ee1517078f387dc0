package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/gate"
	"pricewatch/internal/storage"
)

// SweepCategories runs every watched category's search and alerts its
// subscribers about anomalies and newly discounted products.
func (s *Service) SweepCategories(ctx context.Context, tick time.Time) (rep Report, err error) {
	rep = Report{Job: JobCategories, Started: time.Now()}
	done, proceed, err := s.begin(ctx, JobCategories, tick)
	if err != nil || !proceed {
		return rep, err
	}
	defer done()
	defer s.finish(&rep)

	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return rep, err
	}
	rep.Targets = len(categories)

	for i, cat := range categories {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if i > 0 {
			if err := s.pacer.wait(ctx, s.siteKey(cat.Site), s.opts.CategoryPause); err != nil {
				return rep, err
			}
		}
		s.sweepCategory(ctx, cat, &rep)
	}
	return rep, nil
}

func (s *Service) sweepCategory(ctx context.Context, cat storage.WatchedCategory, rep *Report) {
	log := s.logger.With().Str("category_id", cat.ID).Str("query", cat.SearchQuery).Logger()

	src, err := s.sources.Get(cat.Site)
	if err != nil {
		log.Warn().Err(err).Msg("no source for category")
		rep.Skipped++
		return
	}
	site := s.siteKey(cat.Site)

	observations, err := src.FetchCategory(ctx, cat.SearchQuery, s.opts.CategoryMaxItems)
	if err != nil {
		log.Error().Err(err).Msg("fetch category failed")
		rep.Skipped++
		return
	}
	if len(observations) == 0 {
		backoff := s.pacer.blocked(site)
		log.Warn().Dur("backoff", backoff).Msg("category returned no listings")
		rep.Blocked++
		return
	}
	s.pacer.success(site)

	var subscribers []int64
	subscribersLoaded := false
	notify := func(rec storage.AlertRecord) {
		if !subscribersLoaded {
			subscribersLoaded = true
			ids, rerr := s.resolver.ResolveSubscribersForCategory(ctx, cat.ID)
			if rerr != nil {
				log.Error().Err(rerr).Msg("resolve subscribers failed")
			}
			subscribers = ids
		}
		rep.Delivered += s.dispatch(ctx, rec, subscribers)
	}

	products, discounted := 0, 0
	for _, obs := range observations {
		if obs.Site == "" {
			obs.Site = site
		}
		if obs.Category == "" {
			obs.Category = cat.Name
		}
		a, err := s.record(ctx, obs)
		if err != nil {
			log.Warn().Err(err).Str("item_id", obs.ItemID).Msg("observation rejected")
			continue
		}
		products++
		rep.Observed++
		if obs.DiscountPercent().IsPositive() {
			discounted++
		}

		if _, ok := route(a, false); !ok {
			s.watchedDrop(ctx, a, rep, log)
		}
		anomaly, fresh := s.categoryEvents(ctx, cat, a, log)
		switch {
		case anomaly != nil:
			rep.Alerts++
			notify(*anomaly)
		case fresh != nil:
			rep.Alerts++
			notify(*fresh)
		}
	}

	if err := s.store.MarkCategoryChecked(ctx, cat.ID, s.now(), products, discounted); err != nil {
		log.Error().Err(err).Msg("mark category checked failed")
	}
}

// categoryEvents gates the anomaly route and the new-discount route for one
// product. Known items are always tracked, even when an anomaly fires.
func (s *Service) categoryEvents(ctx context.Context, cat storage.WatchedCategory, a assessment, log zerolog.Logger) (anomaly, fresh *storage.AlertRecord) {
	if kind, ok := route(a, false); ok {
		decision, err := s.admit(ctx, a, kind)
		switch {
		case err != nil:
			log.Error().Err(err).Str("item_id", a.obs.ItemID).Str("kind", string(kind)).Msg("gate failed")
		case decision.Notify:
			rec := decision.Record
			rec.Payload.CategoryID = cat.ID
			rec.Payload.CategoryName = cat.Name
			anomaly = &rec
		}
	}

	payload := payloadFor(a)
	payload.CategoryName = cat.Name
	decision, err := s.gate.Admit(ctx, gate.Event{
		ItemID:     a.obs.ItemID,
		Kind:       storage.AlertNewCategoryDiscount,
		DetectedAt: a.obs.ObservedAt,
		Payload:    payload,
		Current:    a.obs.CurrentPrice,
		CategoryID: cat.ID,
		Discount:   a.obs.DiscountPercent(),
	})
	if err != nil {
		log.Error().Err(err).Str("item_id", a.obs.ItemID).Msg("track category item failed")
		return anomaly, nil
	}
	if decision.Notify {
		rec := decision.Record
		fresh = &rec
	}
	return anomaly, fresh
}
