package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/catalog"
	"pricewatch/internal/storage"
)

// CompareSites refreshes every cross-site comparison and tells its owner when
// the best price improves.
func (s *Service) CompareSites(ctx context.Context, tick time.Time) (rep Report, err error) {
	rep = Report{Job: JobCompare, Started: time.Now()}
	done, proceed, err := s.begin(ctx, JobCompare, tick)
	if err != nil || !proceed {
		return rep, err
	}
	defer done()
	defer s.finish(&rep)

	comparisons, err := s.store.ListComparisons(ctx)
	if err != nil {
		return rep, err
	}
	rep.Targets = len(comparisons)

	for i, cmp := range comparisons {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if i > 0 {
			if err := s.pacer.wait(ctx, "", s.opts.ItemPause); err != nil {
				return rep, err
			}
		}
		if err := s.compare(ctx, cmp, &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (s *Service) compare(ctx context.Context, cmp storage.Comparison, rep *Report) error {
	log := s.logger.With().Int64("comparison_id", cmp.ID).Str("query", cmp.SearchQuery).Logger()

	var offers []storage.SiteOffer
	for _, src := range s.sources.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		site := strings.ToLower(src.Name())
		observations, err := src.FetchCategory(ctx, cmp.SearchQuery, s.opts.CompareMaxItems)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("comparison query failed")
			continue
		}
		if offer, ok := cheapest(site, observations); ok {
			offers = append(offers, offer)
		}
	}
	if len(offers) == 0 {
		log.Info().Msg("no offers found")
		rep.Skipped++
		return nil
	}
	rep.Observed += len(offers)

	sort.Slice(offers, func(i, j int) bool { return offers[i].Price.LessThan(offers[j].Price) })
	best := offers[0]
	previous := cmp.BestPrice
	checked := s.now()

	cmp.Offers = offers
	cmp.BestPrice = &best.Price
	cmp.BestSite = best.Site
	cmp.LastCheckedAt = &checked
	if err := s.store.UpdateComparison(ctx, cmp); err != nil {
		log.Error().Err(err).Msg("update comparison failed")
		return nil
	}

	if previous == nil || !best.Price.LessThan(*previous) {
		return nil
	}
	rep.Alerts++
	if s.dispatcher == nil {
		return nil
	}
	if err := s.dispatcher.SendText(ctx, cmp.SubscriberID, comparisonMessage(cmp, *previous)); err != nil {
		log.Error().Err(err).Int64("subscriber_id", cmp.SubscriberID).Msg("failed to send comparison update")
		return nil
	}
	rep.Delivered++
	return nil
}

// cheapest picks the lowest valid listing a site returned.
func cheapest(site string, observations []catalog.Observation) (storage.SiteOffer, bool) {
	var best storage.SiteOffer
	found := false
	for _, obs := range observations {
		if obs.Site == "" {
			obs.Site = site
		}
		if obs.Validate() != nil {
			continue
		}
		if !found || obs.CurrentPrice.LessThan(best.Price) {
			best = storage.SiteOffer{Site: site, Price: obs.CurrentPrice, Title: obs.Title, URL: obs.URL}
			found = true
		}
	}
	return best, found
}

func comparisonMessage(cmp storage.Comparison, previous decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[BEST PRICE] %s\n\n", cmp.ProductName)
	fmt.Fprintf(&b, "New best: $%s CAD on %s (was $%s CAD)\n", cmp.BestPrice.StringFixed(2), cmp.BestSite, previous.StringFixed(2))
	for _, o := range cmp.Offers {
		fmt.Fprintf(&b, "\n%s: $%s CAD", o.Site, o.Price.StringFixed(2))
		if o.URL != "" {
			b.WriteString("\n" + o.URL)
		}
	}
	return b.String()
}
