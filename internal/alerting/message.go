package alerting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Accepts applies a subscriber's own thresholds to an already detected event.
// Detection runs once with the global thresholds; an override can only make a
// subscriber stricter, never surface events the global pass did not detect.
func Accepts(sub storage.Subscriber, rec storage.AlertRecord) bool {
	p := rec.Payload
	switch rec.Kind {
	case storage.AlertBigDiscount:
		if sub.BigDiscountThreshold != nil && p.DiscountPct != nil {
			return p.DiscountPct.GreaterThanOrEqual(*sub.BigDiscountThreshold)
		}
	case storage.AlertPriceError:
		if sub.PriceErrorThreshold == nil {
			return true
		}
		ratio := *sub.PriceErrorThreshold
		switch p.ErrorKind {
		case "price_below_expected":
			if p.ExpectedMin != nil {
				return p.Price.LessThan(p.ExpectedMin.Mul(ratio))
			}
		case "suspicious_drop":
			if p.PreviousPrice != nil {
				return p.Price.LessThan(p.PreviousPrice.Mul(ratio))
			}
		}
	}
	return true
}

// Render formats an alert record as a chat message.
func Render(rec storage.AlertRecord) string {
	p := rec.Payload
	var b strings.Builder

	switch rec.Kind {
	case storage.AlertPriceError:
		b.WriteString("[PRICE ERROR DETECTED]\n\n")
		b.WriteString(p.Title + "\n")
		fmt.Fprintf(&b, "Price: %s\n", money(p.Price))
		switch p.ErrorKind {
		case "price_too_low":
			fmt.Fprintf(&b, "Abnormally low price (%s)\n", money(p.Price))
		case "price_below_expected":
			if p.ExpectedMin != nil && p.ExpectedMax != nil {
				fmt.Fprintf(&b, "Far below the expected range (%s - %s)\n", money(*p.ExpectedMin), money(*p.ExpectedMax))
			} else {
				b.WriteString("Far below the expected range\n")
			}
		case "suspicious_drop":
			if p.PreviousPrice != nil {
				fmt.Fprintf(&b, "Suspicious drop from %s\n", money(*p.PreviousPrice))
			} else {
				b.WriteString("Suspicious drop detected\n")
			}
		case "price_too_high":
			b.WriteString("Far above the expected range\n")
		}
		if p.Confidence > 0 {
			fmt.Fprintf(&b, "Confidence: %.0f%%\n", p.Confidence*100)
		}
		writeURL(&b, p.URL)
		b.WriteString("\nCheck whether this is a real error or an exceptional deal.")

	case storage.AlertBigDiscount:
		b.WriteString("[BIG DISCOUNT]\n\n")
		b.WriteString(p.Title + "\n")
		if p.OriginalPrice != nil {
			fmt.Fprintf(&b, "Original price: %s\n", money(*p.OriginalPrice))
		}
		fmt.Fprintf(&b, "Current price: %s\n", money(p.Price))
		if p.DiscountPct != nil {
			fmt.Fprintf(&b, "DISCOUNT: -%s%%\n", p.DiscountPct.StringFixed(1))
		}
		if p.OriginalPrice != nil {
			fmt.Fprintf(&b, "You save: %s\n", money(p.OriginalPrice.Sub(p.Price)))
		}
		writeStock(&b, p.InStock)
		writeURL(&b, p.URL)

	case storage.AlertPriceDrop:
		b.WriteString("[PRICE DROP]\n\n")
		b.WriteString(p.Title + "\n")
		if p.PreviousPrice != nil {
			fmt.Fprintf(&b, "Previous price: %s\n", money(*p.PreviousPrice))
		}
		fmt.Fprintf(&b, "Current price: %s\n", money(p.Price))
		if p.PreviousPrice != nil && p.PreviousPrice.IsPositive() {
			drop := p.PreviousPrice.Sub(p.Price)
			pct := drop.Div(*p.PreviousPrice).Mul(hundred)
			fmt.Fprintf(&b, "Drop: %s (%s%%)\n", money(drop), pct.StringFixed(1))
		}
		writeStock(&b, p.InStock)
		writeURL(&b, p.URL)

	case storage.AlertNewCategoryDiscount:
		name := p.CategoryName
		if name == "" {
			name = p.CategoryID
		}
		fmt.Fprintf(&b, "[NEW DISCOUNT in '%s']\n\n", name)
		b.WriteString(p.Title + "\n")
		fmt.Fprintf(&b, "Price: %s\n", money(p.Price))
		if p.OriginalPrice != nil {
			fmt.Fprintf(&b, "Original price: %s\n", money(*p.OriginalPrice))
		}
		if p.DiscountPct != nil {
			fmt.Fprintf(&b, "Discount: -%s%%\n", p.DiscountPct.StringFixed(1))
		}
		writeURL(&b, p.URL)

	default:
		fmt.Fprintf(&b, "[%s] %s %s", rec.Kind, p.Title, money(p.Price))
	}

	return strings.TrimRight(b.String(), "\n")
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2) + " CAD"
}

func writeStock(b *strings.Builder, inStock bool) {
	if inStock {
		b.WriteString("Stock: in stock\n")
		return
	}
	b.WriteString("Stock: out of stock\n")
}

func writeURL(b *strings.Builder, url string) {
	if url != "" {
		b.WriteString(url + "\n")
	}
}
