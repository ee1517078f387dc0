package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind enumerates the alert categories tracked by the gate.
type AlertKind string

const (
	AlertBigDiscount         AlertKind = "big_discount"
	AlertPriceError          AlertKind = "price_error"
	AlertPriceDrop           AlertKind = "price_drop"
	AlertNewCategoryDiscount AlertKind = "new_category_discount"
)

// Valid reports whether k is one of the known kinds.
func (k AlertKind) Valid() bool {
	switch k {
	case AlertBigDiscount, AlertPriceError, AlertPriceDrop, AlertNewCategoryDiscount:
		return true
	}
	return false
}

// AlertPayload is the JSON document stored with every alert record.
type AlertPayload struct {
	Title         string           `json:"title"`
	URL           string           `json:"url,omitempty"`
	Site          string           `json:"site,omitempty"`
	InStock       bool             `json:"in_stock"`
	Price         decimal.Decimal  `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
	PreviousPrice *decimal.Decimal `json:"previous_price,omitempty"`
	DiscountPct   *decimal.Decimal `json:"discount_pct,omitempty"`
	ExpectedMin   *decimal.Decimal `json:"expected_min,omitempty"`
	ExpectedMax   *decimal.Decimal `json:"expected_max,omitempty"`
	ErrorKind     string           `json:"error_kind,omitempty"`
	Confidence    float64          `json:"confidence,omitempty"`
	CategoryID    string           `json:"category_id,omitempty"`
	CategoryName  string           `json:"category_name,omitempty"`
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID         int64
	ItemID     string
	Kind       AlertKind
	DetectedAt time.Time
	Payload    AlertPayload
}

// ObservationRecord is one persisted price observation.
type ObservationRecord struct {
	ID            int64
	ItemID        string
	Site          string
	Title         string
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	InStock       bool
	URL           string
	Category      string
	ObservedAt    time.Time
}

// WatchedItem is a product a subscriber asked to follow.
type WatchedItem struct {
	ItemID           string
	Site             string
	Title            string
	URL              string
	AddedBy          int64
	AddedAt          time.Time
	LastKnownPrice   *decimal.Decimal
	LowestKnownPrice *decimal.Decimal
	LastCheckedAt    *time.Time
}

// WatchedCategory is a saved search swept for newly discounted products.
type WatchedCategory struct {
	ID              string
	Name            string
	SearchQuery     string
	Site            string
	AddedBy         int64
	AddedAt         time.Time
	LastCheckedAt   *time.Time
	ProductCount    int
	DiscountedCount int
}

// KnownItem is the last state of a product seen in a category sweep.
type KnownItem struct {
	ItemID      string
	Price       decimal.Decimal
	DiscountPct decimal.Decimal
	LastSeen    time.Time
}

// Subscriber is an alert recipient. Nil thresholds mean "use the global value".
type Subscriber struct {
	ID                   int64
	Username             string
	BigDiscountThreshold *decimal.Decimal
	PriceErrorThreshold  *decimal.Decimal
	CreatedAt            time.Time
}

// SiteOffer is the cheapest listing one site returned for a comparison.
type SiteOffer struct {
	Site  string          `json:"site"`
	Price decimal.Decimal `json:"price"`
	Title string          `json:"title,omitempty"`
	URL   string          `json:"url,omitempty"`
}

// Comparison tracks the best price for a product across all sites.
type Comparison struct {
	ID            int64
	SubscriberID  int64
	ProductName   string
	SearchQuery   string
	Offers        []SiteOffer
	BestPrice     *decimal.Decimal
	BestSite      string
	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// Stats is an aggregate snapshot for operators.
type Stats struct {
	Subscribers       int64
	WatchedItems      int64
	Categories        int64
	Observations      int64
	AlertsByKind      map[AlertKind]int64
	AvgLastKnownPrice decimal.Decimal
}
