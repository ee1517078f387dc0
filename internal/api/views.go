package api

import (
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

type alertView struct {
	ID         int64                `json:"id"`
	ItemID     string               `json:"item_id"`
	Kind       storage.AlertKind    `json:"kind"`
	DetectedAt time.Time            `json:"detected_at"`
	Payload    storage.AlertPayload `json:"payload"`
}

func newAlertView(rec storage.AlertRecord) alertView {
	return alertView{ID: rec.ID, ItemID: rec.ItemID, Kind: rec.Kind, DetectedAt: rec.DetectedAt, Payload: rec.Payload}
}

type itemView struct {
	ItemID           string           `json:"item_id"`
	Site             string           `json:"site"`
	Title            string           `json:"title"`
	URL              string           `json:"url,omitempty"`
	AddedBy          int64            `json:"added_by"`
	AddedAt          time.Time        `json:"added_at"`
	LastKnownPrice   *decimal.Decimal `json:"last_known_price,omitempty"`
	LowestKnownPrice *decimal.Decimal `json:"lowest_known_price,omitempty"`
	LastCheckedAt    *time.Time       `json:"last_checked_at,omitempty"`
}

func newItemView(it storage.WatchedItem) itemView {
	return itemView{
		ItemID:           it.ItemID,
		Site:             it.Site,
		Title:            it.Title,
		URL:              it.URL,
		AddedBy:          it.AddedBy,
		AddedAt:          it.AddedAt,
		LastKnownPrice:   it.LastKnownPrice,
		LowestKnownPrice: it.LowestKnownPrice,
		LastCheckedAt:    it.LastCheckedAt,
	}
}

type observationView struct {
	ObservedAt    time.Time        `json:"observed_at"`
	Price         decimal.Decimal  `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
	InStock       bool             `json:"in_stock"`
	Site          string           `json:"site"`
}

func newObservationView(obs storage.ObservationRecord) observationView {
	return observationView{
		ObservedAt:    obs.ObservedAt,
		Price:         obs.Price,
		OriginalPrice: obs.OriginalPrice,
		InStock:       obs.InStock,
		Site:          obs.Site,
	}
}

type categoryView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	SearchQuery     string     `json:"search_query"`
	Site            string     `json:"site"`
	AddedBy         int64      `json:"added_by"`
	ProductCount    int        `json:"product_count"`
	DiscountedCount int        `json:"discounted_count"`
	LastCheckedAt   *time.Time `json:"last_checked_at,omitempty"`
}

func newCategoryView(c storage.WatchedCategory) categoryView {
	return categoryView{
		ID:              c.ID,
		Name:            c.Name,
		SearchQuery:     c.SearchQuery,
		Site:            c.Site,
		AddedBy:         c.AddedBy,
		ProductCount:    c.ProductCount,
		DiscountedCount: c.DiscountedCount,
		LastCheckedAt:   c.LastCheckedAt,
	}
}
