package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/storage"
)

const maxSummaryLines = 10

// ScanGlobal sweeps the configured popular queries on every source. Anomalies
// are recorded and gated like any other event but only summarised to the
// configured operator, not fanned out.
func (s *Service) ScanGlobal(ctx context.Context, tick time.Time) (rep Report, err error) {
	rep = Report{Job: JobGlobal, Started: time.Now()}
	if len(s.opts.GlobalQueries) == 0 {
		return rep, nil
	}
	done, proceed, err := s.begin(ctx, JobGlobal, tick)
	if err != nil || !proceed {
		return rep, err
	}
	defer done()
	defer s.finish(&rep)

	var found []storage.AlertRecord
	first := true
	for _, src := range s.sources.All() {
		site := strings.ToLower(src.Name())
		for _, query := range s.opts.GlobalQueries {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if !first {
				if err := s.pacer.wait(ctx, site, s.opts.GlobalPause); err != nil {
					return rep, err
				}
			}
			first = false
			rep.Targets++

			log := s.logger.With().Str("site", site).Str("query", query).Logger()
			observations, err := src.FetchCategory(ctx, query, s.opts.GlobalMaxItems)
			if err != nil {
				log.Error().Err(err).Msg("global query failed")
				rep.Skipped++
				continue
			}
			if len(observations) == 0 {
				log.Warn().Dur("backoff", s.pacer.blocked(site)).Msg("global query returned no listings")
				rep.Blocked++
				continue
			}
			s.pacer.success(site)

			for _, obs := range observations {
				if obs.Site == "" {
					obs.Site = site
				}
				a, err := s.record(ctx, obs)
				if err != nil {
					log.Warn().Err(err).Str("item_id", obs.ItemID).Msg("observation rejected")
					continue
				}
				rep.Observed++
				kind, ok := route(a, false)
				if !ok {
					s.watchedDrop(ctx, a, &rep, log)
					continue
				}
				decision, err := s.admit(ctx, a, kind)
				if err != nil {
					log.Error().Err(err).Str("item_id", obs.ItemID).Msg("gate failed")
					continue
				}
				if decision.Notify {
					rep.Alerts++
					found = append(found, decision.Record)
				}
			}
		}
	}

	if len(found) > 0 && s.opts.GlobalNotify != 0 && s.dispatcher != nil {
		if err := s.dispatcher.SendText(ctx, s.opts.GlobalNotify, globalSummary(found)); err != nil {
			s.logger.Error().Err(err).Int64("subscriber_id", s.opts.GlobalNotify).Msg("failed to send global summary")
		} else {
			rep.Delivered++
		}
	}
	return rep, nil
}

func globalSummary(records []storage.AlertRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Global scan: %d new deal(s)\n", len(records))
	for i, rec := range records {
		if i == maxSummaryLines {
			fmt.Fprintf(&b, "... and %d more\n", len(records)-maxSummaryLines)
			break
		}
		p := rec.Payload
		label := "big discount"
		if rec.Kind == storage.AlertPriceError {
			label = "price error"
		}
		line := fmt.Sprintf("\n- [%s] %s: $%s CAD", label, p.Title, p.Price.StringFixed(2))
		if p.DiscountPct != nil {
			line += fmt.Sprintf(" (-%s%%)", p.DiscountPct.StringFixed(0))
		}
		b.WriteString(line + "\n")
		if p.URL != "" {
			b.WriteString("  " + p.URL + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
