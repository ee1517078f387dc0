package storage

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseOptionalDecimal(field string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDecimal(field, *raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func encodePayload(p AlertPayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal alert payload: %w", err)
	}
	return raw, nil
}

func decodePayload(raw []byte) (AlertPayload, error) {
	var p AlertPayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return AlertPayload{}, fmt.Errorf("unmarshal alert payload: %w", err)
	}
	return p, nil
}

func encodeOffers(offers []SiteOffer) ([]byte, error) {
	if offers == nil {
		offers = []SiteOffer{}
	}
	raw, err := json.Marshal(offers)
	if err != nil {
		return nil, fmt.Errorf("marshal offers: %w", err)
	}
	return raw, nil
}

func decodeOffers(raw []byte) ([]SiteOffer, error) {
	var offers []SiteOffer
	if len(raw) == 0 {
		return offers, nil
	}
	if err := json.Unmarshal(raw, &offers); err != nil {
		return nil, fmt.Errorf("unmarshal offers: %w", err)
	}
	return offers, nil
}
