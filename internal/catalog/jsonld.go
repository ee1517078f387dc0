package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

// Listing is a schema.org Product pulled from a page's JSON-LD blocks.
type Listing struct {
	SKU           string
	Name          string
	URL           string
	Category      string
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	InStock       bool
}

// ExtractListings parses HTML and returns every Product found in
// application/ld+json script tags, including ItemList and @graph wrappers.
func ExtractListings(page []byte) ([]Listing, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var listings []Listing
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && isJSONLD(n) && n.FirstChild != nil {
			listings = append(listings, parseJSONLD(n.FirstChild.Data)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return listings, nil
}

func isJSONLD(n *html.Node) bool {
	for _, attr := range n.Attr {
		if attr.Key == "type" && strings.EqualFold(strings.TrimSpace(attr.Val), "application/ld+json") {
			return true
		}
	}
	return false
}

// parseJSONLD is tolerant: malformed blocks yield no listings instead of an error.
func parseJSONLD(data string) []Listing {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(data)))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil
	}

	var listings []Listing
	collectProducts(root, &listings)
	return listings
}

func collectProducts(v any, out *[]Listing) {
	switch node := v.(type) {
	case []any:
		for _, child := range node {
			collectProducts(child, out)
		}
	case map[string]any:
		if hasType(node, "Product") {
			if l, ok := toListing(node); ok {
				*out = append(*out, l)
			}
			return
		}
		if graph, ok := node["@graph"]; ok {
			collectProducts(graph, out)
		}
		if elems, ok := node["itemListElement"].([]any); ok {
			for _, elem := range elems {
				m, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				if item, ok := m["item"]; ok {
					collectProducts(item, out)
				} else {
					collectProducts(m, out)
				}
			}
		}
	}
}

func hasType(node map[string]any, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func toListing(node map[string]any) (Listing, bool) {
	l := Listing{
		SKU:      firstString(node, "sku", "productID", "mpn", "gtin13", "gtin12"),
		Name:     strings.TrimSpace(firstString(node, "name")),
		URL:      firstString(node, "url"),
		Category: firstString(node, "category"),
	}

	offer := pickOffer(node["offers"])
	if offer == nil {
		return Listing{}, false
	}

	price, ok := parsePrice(offer["price"])
	if !ok {
		price, ok = parsePrice(offer["lowPrice"])
	}
	if !ok || !price.IsPositive() {
		return Listing{}, false
	}
	l.Price = price
	if l.URL == "" {
		l.URL = firstString(offer, "url")
	}

	availability := strings.ToLower(firstString(offer, "availability"))
	l.InStock = availability == "" ||
		strings.Contains(availability, "instock") ||
		strings.Contains(availability, "limitedavailability") ||
		strings.Contains(availability, "onlineonly")

	if orig := listPrice(offer); orig != nil && orig.GreaterThan(price) {
		l.OriginalPrice = orig
	}

	return l, true
}

func pickOffer(v any) map[string]any {
	switch o := v.(type) {
	case map[string]any:
		if offers, ok := o["offers"]; ok && hasType(o, "AggregateOffer") {
			if inner := pickOffer(offers); inner != nil {
				if _, ok := inner["price"]; ok {
					return inner
				}
			}
		}
		return o
	case []any:
		var best map[string]any
		var bestPrice decimal.Decimal
		for _, item := range o {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			p, ok := parsePrice(m["price"])
			if !ok {
				continue
			}
			if best == nil || p.LessThan(bestPrice) {
				best, bestPrice = m, p
			}
		}
		return best
	}
	return nil
}

// listPrice looks for a strikethrough/list price in priceSpecification.
func listPrice(offer map[string]any) *decimal.Decimal {
	var specs []any
	switch s := offer["priceSpecification"].(type) {
	case []any:
		specs = s
	case map[string]any:
		specs = []any{s}
	}
	for _, spec := range specs {
		m, ok := spec.(map[string]any)
		if !ok {
			continue
		}
		kind := strings.ToLower(firstString(m, "priceType"))
		if !strings.Contains(kind, "listprice") && !strings.Contains(kind, "strikethroughprice") && !strings.Contains(kind, "msrp") {
			continue
		}
		if p, ok := parsePrice(m["price"]); ok {
			return &p
		}
	}
	return nil
}

func firstString(node map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := node[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// parsePrice accepts JSON numbers and strings such as "$1,299.99".
func parsePrice(v any) (decimal.Decimal, bool) {
	var raw string
	switch p := v.(type) {
	case json.Number:
		raw = p.String()
	case string:
		raw = p
	default:
		return decimal.Decimal{}, false
	}
	raw = strings.NewReplacer("$", "", ",", "", "CAD", "", " ", "").Replace(strings.TrimSpace(raw))
	if raw == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
