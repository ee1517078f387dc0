package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SiteOptions describe how to reach one retailer.
type SiteOptions struct {
	Name string
	// ItemURL is used when a watched item has no URL; %s is replaced by the item id.
	ItemURL string
	// SearchURL must contain %s, replaced by the query-escaped search terms.
	SearchURL string
}

// Site is a Source that reads schema.org Product data embedded in a retailer's
// pages. Retailer-specific selectors are deliberately not supported.
type Site struct {
	opts   SiteOptions
	loader Loader
	logger zerolog.Logger
	now    func() time.Time
}

// NewSite builds a JSON-LD backed source.
func NewSite(opts SiteOptions, loader Loader, logger zerolog.Logger) *Site {
	return &Site{
		opts:   opts,
		loader: loader,
		logger: logger.With().Str("component", "catalog_site").Str("site", opts.Name).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the site name.
func (s *Site) Name() string { return s.opts.Name }

// FetchItem loads the item page and returns the matching listing.
func (s *Site) FetchItem(ctx context.Context, ref ItemRef) (ItemResult, error) {
	target := ref.URL
	if target == "" {
		if s.opts.ItemURL == "" {
			return ItemResult{}, fmt.Errorf("site %s: item %s has no url and no item url template", s.opts.Name, ref.ItemID)
		}
		target = fmt.Sprintf(s.opts.ItemURL, url.PathEscape(ref.ItemID))
	}

	page, err := s.loader.Load(ctx, target)
	if errors.Is(err, ErrDisallowed) {
		return Blocked(), nil
	}
	if err != nil {
		return ItemResult{}, err
	}

	switch classifyPage(page) {
	case StatusNotFound:
		return NotFound(), nil
	case StatusBlocked:
		return Blocked(), nil
	}

	listings, err := ExtractListings(page.Body)
	if err != nil {
		return ItemResult{}, err
	}
	listing, ok := matchListing(listings, ref.ItemID, target)
	if !ok {
		return NotFound(), nil
	}

	obs := s.toObservation(listing)
	obs.ItemID = ref.ItemID
	if obs.URL == "" {
		obs.URL = target
	}
	return Found(obs), nil
}

// FetchCategory loads the search results page for query.
func (s *Site) FetchCategory(ctx context.Context, query string, maxItems int) ([]Observation, error) {
	if s.opts.SearchURL == "" {
		return nil, fmt.Errorf("site %s: search url not configured", s.opts.Name)
	}
	target := fmt.Sprintf(s.opts.SearchURL, url.QueryEscape(query))

	page, err := s.loader.Load(ctx, target)
	if errors.Is(err, ErrDisallowed) {
		s.logger.Warn().Str("query", query).Msg("search disallowed by robots.txt")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if status := classifyPage(page); status != StatusFound {
		s.logger.Warn().Str("query", query).Stringer("status", status).Int("http_status", page.StatusCode).Msg("search returned no usable page")
		return nil, nil
	}

	listings, err := ExtractListings(page.Body)
	if err != nil {
		return nil, err
	}

	out := make([]Observation, 0, len(listings))
	for _, listing := range listings {
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
		obs := s.toObservation(listing)
		if obs.ItemID == "" {
			obs.ItemID = obs.URL
		}
		if obs.ItemID == "" {
			continue
		}
		if obs.Category == "" {
			obs.Category = query
		}
		out = append(out, obs)
	}
	return out, nil
}

func (s *Site) toObservation(l Listing) Observation {
	return Observation{
		ItemID:        l.SKU,
		Site:          s.opts.Name,
		Title:         l.Name,
		CurrentPrice:  l.Price,
		OriginalPrice: l.OriginalPrice,
		InStock:       l.InStock,
		URL:           l.URL,
		Category:      l.Category,
		ObservedAt:    s.now(),
	}
}

// matchListing picks the item's listing by SKU, then by product URL. A lone
// listing is taken as is; several unmatched ones (related products, bundles)
// mean the item could not be identified.
func matchListing(listings []Listing, itemID, pageURL string) (Listing, bool) {
	for _, l := range listings {
		if l.SKU != "" && strings.EqualFold(l.SKU, itemID) {
			return l, true
		}
	}
	if want := urlPathKey(pageURL); want != "" {
		for _, l := range listings {
			if urlPathKey(l.URL) == want {
				return l, true
			}
		}
	}
	if len(listings) == 1 {
		return listings[0], true
	}
	return Listing{}, false
}

// urlPathKey compares product URLs by path, so relative and absolute forms match.
func urlPathKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimRight(u.Path, "/"))
}

var blockMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("access denied"),
	[]byte("are you a robot"),
	[]byte("something went wrong"),
}

func classifyPage(page Page) Status {
	switch page.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return StatusNotFound
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return StatusBlocked
	}
	if page.StatusCode >= 400 {
		return StatusBlocked
	}
	lower := bytes.ToLower(page.Body)
	if !bytes.Contains(lower, []byte("application/ld+json")) {
		for _, marker := range blockMarkers {
			if bytes.Contains(lower, marker) {
				return StatusBlocked
			}
		}
	}
	return StatusFound
}

var _ Source = (*Site)(nil)
