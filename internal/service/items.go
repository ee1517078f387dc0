package service

import (
	"context"
	"errors"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/storage"
)

// ScanItems polls every watched item once, sequentially.
func (s *Service) ScanItems(ctx context.Context, tick time.Time) (rep Report, err error) {
	rep = Report{Job: JobItems, Started: time.Now()}
	done, proceed, err := s.begin(ctx, JobItems, tick)
	if err != nil || !proceed {
		return rep, err
	}
	defer done()
	defer s.finish(&rep)

	items, err := s.store.ListWatchedItems(ctx)
	if err != nil {
		return rep, err
	}
	rep.Targets = len(items)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if i > 0 {
			if err := s.pacer.wait(ctx, s.siteKey(item.Site), s.opts.ItemPause); err != nil {
				return rep, err
			}
		}
		s.scanItem(ctx, item, &rep)
	}
	return rep, nil
}

func (s *Service) scanItem(ctx context.Context, item storage.WatchedItem, rep *Report) {
	log := s.logger.With().Str("item_id", item.ItemID).Str("site", item.Site).Logger()

	src, err := s.sources.Get(item.Site)
	if err != nil {
		log.Warn().Err(err).Msg("no source for watched item")
		rep.Skipped++
		return
	}
	site := s.siteKey(item.Site)

	res, err := src.FetchItem(ctx, catalog.ItemRef{ItemID: item.ItemID, Site: item.Site, URL: item.URL})
	if err != nil {
		log.Error().Err(err).Msg("fetch item failed")
		rep.Skipped++
		return
	}
	switch res.Status {
	case catalog.StatusNotFound:
		log.Info().Msg("listing not found")
		rep.Skipped++
		return
	case catalog.StatusBlocked:
		backoff := s.pacer.blocked(site)
		log.Warn().Dur("backoff", backoff).Msg("source blocked request")
		rep.Blocked++
		return
	}
	s.pacer.success(site)

	obs := res.Observation
	obs.ItemID = item.ItemID
	if obs.Site == "" {
		obs.Site = site
	}
	if obs.URL == "" {
		obs.URL = item.URL
	}

	a, err := s.record(ctx, obs)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidObservation) {
			log.Warn().Err(err).Msg("observation rejected")
		} else {
			log.Error().Err(err).Msg("observation not recorded")
		}
		rep.Skipped++
		return
	}
	rep.Observed++

	kind, ok := route(a, true)
	if !ok {
		return
	}
	decision, err := s.admit(ctx, a, kind)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("gate failed")
		return
	}
	if !decision.Notify {
		log.Debug().Str("kind", string(kind)).Str("reason", decision.Reason).Msg("event suppressed")
		return
	}
	rep.Alerts++

	subscribers, err := s.resolver.ResolveSubscribersForItem(ctx, item.ItemID)
	if err != nil {
		log.Error().Err(err).Msg("resolve subscribers failed")
		return
	}
	rep.Delivered += s.dispatch(ctx, decision.Record, subscribers)
}
