// Package analyzer classifies price observations as big discounts, likely
// pricing errors or noise. Everything here is pure and free of I/O.
package analyzer

import (
	"github.com/shopspring/decimal"
)

// ErrorKind names the rule that flagged a price as a likely error.
type ErrorKind string

const (
	ErrorNone           ErrorKind = ""
	ErrorPriceTooLow    ErrorKind = "price_too_low"
	ErrorBelowExpected  ErrorKind = "price_below_expected"
	ErrorSuspiciousDrop ErrorKind = "suspicious_drop"
	ErrorPriceTooHigh   ErrorKind = "price_too_high"
)

var (
	hundred     = decimal.NewFromInt(100)
	two         = decimal.NewFromInt(2)
	maxDropPct  = decimal.NewFromInt(50)
	defaultBig  = decimal.NewFromInt(30)
	defaultMin  = decimal.NewFromInt(10)
	defaultRate = decimal.NewFromFloat(0.5)
)

// Thresholds tune detection. Zero values fall back to the defaults.
type Thresholds struct {
	// BigDiscountPct is the minimum discount percentage for a big discount.
	BigDiscountPct decimal.Decimal
	// PriceErrorRatio: a price under this fraction of a reference price is suspect.
	PriceErrorRatio decimal.Decimal
	// MinPriceForError: anything cheaper is flagged outright.
	MinPriceForError decimal.Decimal
}

// DefaultThresholds returns 30% / 0.5 / $10.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BigDiscountPct:   defaultBig,
		PriceErrorRatio:  defaultRate,
		MinPriceForError: defaultMin,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if !t.BigDiscountPct.IsPositive() {
		t.BigDiscountPct = def.BigDiscountPct
	}
	if !t.PriceErrorRatio.IsPositive() {
		t.PriceErrorRatio = def.PriceErrorRatio
	}
	if !t.MinPriceForError.IsPositive() {
		t.MinPriceForError = def.MinPriceForError
	}
	return t
}

// PriceRange is a plausible price band for a product.
type PriceRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Input is everything the analyzer looks at for one observation.
type Input struct {
	CurrentPrice  decimal.Decimal
	OriginalPrice *decimal.Decimal
	LastPrice     *decimal.Decimal
	ExpectedRange *PriceRange
	Title         string
}

// Result is the classification of one observation.
type Result struct {
	IsBigDiscount   bool
	IsPriceError    bool
	DiscountPercent *decimal.Decimal
	ErrorKind       ErrorKind
	Confidence      float64
}

// HasSignal reports whether any rule fired.
func (r Result) HasSignal() bool {
	return r.IsBigDiscount || r.IsPriceError
}

// Analyzer applies the detection rules with fixed thresholds.
type Analyzer struct {
	th Thresholds
}

// New constructs an analyzer.
func New(th Thresholds) *Analyzer {
	return &Analyzer{th: th.withDefaults()}
}

// Thresholds returns the effective thresholds.
func (a *Analyzer) Thresholds() Thresholds {
	return a.th
}

// Analyze classifies one observation. Rules run in order and a later error rule
// overwrites the kind and confidence of an earlier one.
func (a *Analyzer) Analyze(in Input) Result {
	var res Result
	cur := in.CurrentPrice

	if in.OriginalPrice != nil && in.OriginalPrice.GreaterThan(cur) {
		discount := in.OriginalPrice.Sub(cur).Div(*in.OriginalPrice).Mul(hundred)
		res.DiscountPercent = &discount
		if discount.GreaterThanOrEqual(a.th.BigDiscountPct) {
			res.IsBigDiscount = true
			res.Confidence = clampUnit(discount.Div(hundred).InexactFloat64())
		}
	}

	switch {
	case cur.LessThan(a.th.MinPriceForError):
		res.flag(ErrorPriceTooLow, 0.9)
	case in.ExpectedRange != nil:
		if cur.LessThan(in.ExpectedRange.Min.Mul(a.th.PriceErrorRatio)) {
			res.flag(ErrorBelowExpected, 0.8)
		}
	case in.LastPrice != nil && in.LastPrice.IsPositive():
		last := *in.LastPrice
		if cur.LessThan(last.Mul(a.th.PriceErrorRatio)) {
			drop := last.Sub(cur).Div(last).Mul(hundred)
			if drop.GreaterThan(maxDropPct) {
				res.flag(ErrorSuspiciousDrop, 0.7)
			}
		}
	}

	if in.ExpectedRange != nil && cur.GreaterThan(in.ExpectedRange.Max.Mul(two)) {
		res.flag(ErrorPriceTooHigh, 0.6)
	}

	return res
}

func (r *Result) flag(kind ErrorKind, confidence float64) {
	r.IsPriceError = true
	r.ErrorKind = kind
	r.Confidence = confidence
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
