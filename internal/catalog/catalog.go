package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidObservation marks an observation rejected at ingestion.
	ErrInvalidObservation = errors.New("catalog: invalid observation")
	// ErrUnknownSite is returned when no source is registered for a site.
	ErrUnknownSite = errors.New("catalog: unknown site")
)

var hundred = decimal.NewFromInt(100)

// Observation is one price reading for one item at one point in time.
type Observation struct {
	ItemID        string
	Site          string
	Title         string
	CurrentPrice  decimal.Decimal
	OriginalPrice *decimal.Decimal
	InStock       bool
	URL           string
	Category      string
	ObservedAt    time.Time
}

// Validate checks the ingestion invariants.
func (o Observation) Validate() error {
	if strings.TrimSpace(o.ItemID) == "" {
		return fmt.Errorf("%w: missing item id", ErrInvalidObservation)
	}
	if strings.TrimSpace(o.Title) == "" {
		return fmt.Errorf("%w: item %s has no title", ErrInvalidObservation, o.ItemID)
	}
	if !o.CurrentPrice.IsPositive() {
		return fmt.Errorf("%w: item %s has non-positive price %s", ErrInvalidObservation, o.ItemID, o.CurrentPrice)
	}
	if o.OriginalPrice != nil && o.OriginalPrice.LessThan(o.CurrentPrice) {
		return fmt.Errorf("%w: item %s original price %s below current %s", ErrInvalidObservation, o.ItemID, o.OriginalPrice, o.CurrentPrice)
	}
	if o.ObservedAt.IsZero() {
		return fmt.Errorf("%w: item %s has no timestamp", ErrInvalidObservation, o.ItemID)
	}
	return nil
}

// DiscountPercent returns the listed discount versus the original price, zero
// when the listing carries no original price.
func (o Observation) DiscountPercent() decimal.Decimal {
	if o.OriginalPrice == nil || !o.OriginalPrice.GreaterThan(o.CurrentPrice) {
		return decimal.Zero
	}
	return o.OriginalPrice.Sub(o.CurrentPrice).Div(*o.OriginalPrice).Mul(hundred)
}

// Status tells the caller what a single-item fetch produced.
type Status int

const (
	StatusFound Status = iota
	StatusNotFound
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ItemRef identifies a watched item on a site.
type ItemRef struct {
	ItemID string
	Site   string
	URL    string
}

// ItemResult is the outcome of FetchItem. Observation is only set for StatusFound.
type ItemResult struct {
	Status      Status
	Observation Observation
}

// Found wraps an observation in a successful result.
func Found(obs Observation) ItemResult {
	return ItemResult{Status: StatusFound, Observation: obs}
}

// NotFound is the result for a listing that no longer exists.
func NotFound() ItemResult { return ItemResult{Status: StatusNotFound} }

// Blocked is the result for a site that refused to answer.
func Blocked() ItemResult { return ItemResult{Status: StatusBlocked} }

// Source supplies normalized observations for one retail site.
type Source interface {
	Name() string
	FetchItem(ctx context.Context, ref ItemRef) (ItemResult, error)
	// FetchCategory returns up to maxItems listings for a search query. An empty
	// result means either no listings or a refused request.
	FetchCategory(ctx context.Context, query string, maxItems int) ([]Observation, error)
}

// Sources holds the configured sources keyed by site name.
type Sources struct {
	bySite      map[string]Source
	defaultSite string
}

// NewSources builds a source set; the first source becomes the default site.
func NewSources(sources ...Source) *Sources {
	set := &Sources{bySite: make(map[string]Source, len(sources))}
	for _, src := range sources {
		set.Add(src)
	}
	return set
}

// Add registers a source under its name.
func (s *Sources) Add(src Source) {
	if src == nil {
		return
	}
	name := strings.ToLower(src.Name())
	if s.defaultSite == "" {
		s.defaultSite = name
	}
	s.bySite[name] = src
}

// SetDefault changes the site used when a target does not name one.
func (s *Sources) SetDefault(site string) error {
	site = strings.ToLower(site)
	if _, ok := s.bySite[site]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	s.defaultSite = site
	return nil
}

// Get resolves a site name, falling back to the default for an empty name.
func (s *Sources) Get(site string) (Source, error) {
	site = strings.ToLower(strings.TrimSpace(site))
	if site == "" {
		site = s.defaultSite
	}
	src, ok := s.bySite[site]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, site)
	}
	return src, nil
}

// DefaultSite returns the default site name.
func (s *Sources) DefaultSite() string { return s.defaultSite }

// All returns every source ordered by site name.
func (s *Sources) All() []Source {
	names := make([]string, 0, len(s.bySite))
	for name := range s.bySite {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Source, 0, len(names))
	for _, name := range names {
		out = append(out, s.bySite[name])
	}
	return out
}

// Len reports the number of registered sources.
func (s *Sources) Len() int { return len(s.bySite) }
