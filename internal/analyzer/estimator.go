package analyzer

import (
	"strings"

	"github.com/shopspring/decimal"
)

// RangeRule maps a title keyword to a plausible price band.
type RangeRule struct {
	Keyword string  `mapstructure:"keyword"`
	Min     float64 `mapstructure:"min"`
	Max     float64 `mapstructure:"max"`
}

// DefaultRangeRules is the built-in table, checked in order.
func DefaultRangeRules() []RangeRule {
	return []RangeRule{
		{Keyword: "ryzen 9", Min: 400, Max: 800},
		{Keyword: "ryzen 7", Min: 250, Max: 500},
		{Keyword: "core i9", Min: 400, Max: 800},
		{Keyword: "core i7", Min: 250, Max: 500},
		{Keyword: "core i5", Min: 150, Max: 350},

		{Keyword: "rtx 4090", Min: 1500, Max: 2500},
		{Keyword: "rtx 4080", Min: 1000, Max: 1500},
		{Keyword: "rtx 4070", Min: 600, Max: 900},
		{Keyword: "rtx 4060", Min: 300, Max: 500},
		{Keyword: "rx 7900", Min: 800, Max: 1200},
		{Keyword: "rx 7800", Min: 500, Max: 800},
		{Keyword: "rx 7700", Min: 400, Max: 600},

		{Keyword: "32gb", Min: 100, Max: 300},
		{Keyword: "16gb", Min: 50, Max: 200},
		{Keyword: "ddr5", Min: 80, Max: 400},
		{Keyword: "ddr4", Min: 50, Max: 200},

		{Keyword: "2tb", Min: 100, Max: 300},
		{Keyword: "1tb", Min: 50, Max: 200},
		{Keyword: "nvme", Min: 60, Max: 400},
		{Keyword: "ssd", Min: 40, Max: 300},
	}
}

type compiledRule struct {
	keyword string
	rng     PriceRange
}

// Estimator guesses a price band from a product title. First match wins, so a
// broad keyword listed early can shadow a more specific one later.
type Estimator struct {
	rules []compiledRule
}

// NewEstimator compiles rules; an empty list selects DefaultRangeRules.
func NewEstimator(rules []RangeRule) *Estimator {
	if len(rules) == 0 {
		rules = DefaultRangeRules()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" {
			continue
		}
		compiled = append(compiled, compiledRule{
			keyword: kw,
			rng:     PriceRange{Min: decimal.NewFromFloat(r.Min), Max: decimal.NewFromFloat(r.Max)},
		})
	}
	return &Estimator{rules: compiled}
}

// Estimate returns the band of the first rule whose keyword occurs in title.
// The category is accepted for callers that have one but does not affect matching.
func (e *Estimator) Estimate(title, _ string) (PriceRange, bool) {
	lower := strings.ToLower(title)
	for _, r := range e.rules {
		if strings.Contains(lower, r.keyword) {
			return r.rng, true
		}
	}
	return PriceRange{}, false
}
