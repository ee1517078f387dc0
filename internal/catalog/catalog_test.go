package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const productPage = `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","sku":"X42","name":"RTX 4070 Super 12GB",
 "url":"https://shop.example.ca/p/X42",
 "offers":{"@type":"Offer","price":"649.99","priceCurrency":"CAD",
   "availability":"https://schema.org/InStock",
   "priceSpecification":[{"@type":"UnitPriceSpecification","priceType":"https://schema.org/ListPrice","price":899.99}]}}
</script></head><body></body></html>`

const searchPage = `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"ItemList","itemListElement":[
 {"@type":"ListItem","position":1,"item":{"@type":"Product","sku":"A1","name":"Ryzen 7 7800X3D","offers":{"price":449,"availability":"InStock"}}},
 {"@type":"ListItem","position":2,"item":{"@type":"Product","sku":"A2","name":"Ryzen 9 7950X","offers":{"price":"$1,099.00","availability":"OutOfStock"}}},
 {"@type":"ListItem","position":3,"item":{"@type":"Product","sku":"A3","name":"Broken","offers":{"price":"n/a"}}}
]}
</script>
<script type="application/ld+json">{not json</script>
</head></html>`

func TestObservationValidate(t *testing.T) {
	orig := decimal.NewFromInt(80)
	base := Observation{
		ItemID:       "X42",
		Title:        "Thing",
		CurrentPrice: decimal.NewFromInt(100),
		ObservedAt:   time.Now(),
	}

	cases := []struct {
		name    string
		mutate  func(o *Observation)
		wantErr bool
	}{
		{name: "valid", mutate: func(o *Observation) {}},
		{name: "missing id", mutate: func(o *Observation) { o.ItemID = " " }, wantErr: true},
		{name: "missing title", mutate: func(o *Observation) { o.Title = "" }, wantErr: true},
		{name: "zero price", mutate: func(o *Observation) { o.CurrentPrice = decimal.Zero }, wantErr: true},
		{name: "original below current", mutate: func(o *Observation) { o.OriginalPrice = &orig }, wantErr: true},
		{name: "no timestamp", mutate: func(o *Observation) { o.ObservedAt = time.Time{} }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := base
			tc.mutate(&obs)
			err := obs.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidObservation) {
				t.Fatalf("expected ErrInvalidObservation, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestObservationDiscountPercent(t *testing.T) {
	orig := decimal.NewFromInt(200)
	obs := Observation{CurrentPrice: decimal.NewFromInt(150), OriginalPrice: &orig}
	if got := obs.DiscountPercent(); !got.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25, got %s", got)
	}
	obs.OriginalPrice = nil
	if got := obs.DiscountPercent(); !got.IsZero() {
		t.Fatalf("expected zero without original price, got %s", got)
	}
}

func TestExtractListingsProduct(t *testing.T) {
	listings, err := ExtractListings([]byte(productPage))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(listings))
	}
	l := listings[0]
	if l.SKU != "X42" || !l.InStock {
		t.Fatalf("unexpected listing: %+v", l)
	}
	if !l.Price.Equal(decimal.RequireFromString("649.99")) {
		t.Fatalf("price: %s", l.Price)
	}
	if l.OriginalPrice == nil || !l.OriginalPrice.Equal(decimal.RequireFromString("899.99")) {
		t.Fatalf("original price: %v", l.OriginalPrice)
	}
}

func TestExtractListingsItemList(t *testing.T) {
	listings, err := ExtractListings([]byte(searchPage))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 usable listings, got %d", len(listings))
	}
	if !listings[1].Price.Equal(decimal.NewFromInt(1099)) {
		t.Fatalf("formatted price not parsed: %s", listings[1].Price)
	}
	if listings[1].InStock {
		t.Fatal("OutOfStock listing reported in stock")
	}
}

func TestSiteFetchItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/X42"):
			fmt.Fprint(w, productPage)
		case strings.HasSuffix(r.URL.Path, "/gone"):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	site := NewSite(SiteOptions{Name: "example", ItemURL: srv.URL + "/p/%s"}, NewHTTPLoader(HTTPOptions{Timeout: time.Second}, zerolog.Nop()), zerolog.Nop())

	res, err := site.FetchItem(context.Background(), ItemRef{ItemID: "X42"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != StatusFound {
		t.Fatalf("expected found, got %s", res.Status)
	}
	if res.Observation.Site != "example" || res.Observation.ItemID != "X42" {
		t.Fatalf("unexpected observation: %+v", res.Observation)
	}
	if err := res.Observation.Validate(); err != nil {
		t.Fatalf("fetched observation invalid: %v", err)
	}

	res, err = site.FetchItem(context.Background(), ItemRef{ItemID: "gone"})
	if err != nil || res.Status != StatusNotFound {
		t.Fatalf("expected not found, got %s (%v)", res.Status, err)
	}

	res, err = site.FetchItem(context.Background(), ItemRef{ItemID: "busy"})
	if err != nil || res.Status != StatusBlocked {
		t.Fatalf("expected blocked, got %s (%v)", res.Status, err)
	}
}

const relatedPage = `<html><head>
<script type="application/ld+json">
[{"@type":"Product","sku":"R1","name":"Monitor arm","url":"/p/R1","offers":{"price":"59.99"}},
 {"@type":"Product","name":"27in IPS monitor","url":"/p/M27/","offers":{"price":"299.00"}}]
</script></head><body></body></html>`

func TestSiteFetchItemMatchesListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, relatedPage)
	}))
	defer srv.Close()

	site := NewSite(SiteOptions{Name: "example", ItemURL: srv.URL + "/p/%s"}, NewHTTPLoader(HTTPOptions{Timeout: time.Second}, zerolog.Nop()), zerolog.Nop())

	res, err := site.FetchItem(context.Background(), ItemRef{ItemID: "M27"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != StatusFound || !res.Observation.CurrentPrice.Equal(decimal.NewFromInt(299)) {
		t.Fatalf("expected the listing at the item's own url, got %s %+v", res.Status, res.Observation)
	}

	res, err = site.FetchItem(context.Background(), ItemRef{ItemID: "Z9"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != StatusNotFound {
		t.Fatalf("unmatched multi-product page should be not found, got %s %+v", res.Status, res.Observation)
	}
}

func TestSiteFetchCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "ryzen cpu" {
			t.Errorf("query not escaped correctly: %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, searchPage)
	}))
	defer srv.Close()

	site := NewSite(SiteOptions{Name: "example", SearchURL: srv.URL + "/search?q=%s"}, NewHTTPLoader(HTTPOptions{}, zerolog.Nop()), zerolog.Nop())

	obs, err := site.FetchCategory(context.Background(), "ryzen cpu", 1)
	if err != nil {
		t.Fatalf("fetch category: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("maxItems not honoured: %d", len(obs))
	}
	if obs[0].ItemID != "A1" || obs[0].Category != "ryzen cpu" {
		t.Fatalf("unexpected observation: %+v", obs[0])
	}
}

func TestHeadlessLoaderStopsBrowserWhenConnectFails(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	controlURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	loader := NewHeadlessLoader(HeadlessOptions{PageTimeout: time.Second}, zerolog.Nop())
	stopped := 0
	loader.launch = func() (string, func(), error) {
		return controlURL, func() { stopped++ }, nil
	}

	if _, err := loader.Load(context.Background(), "https://shop.example/p/1"); err == nil {
		t.Fatal("expected connect error")
	}
	if stopped != 1 {
		t.Fatalf("launched browser should be stopped once, got %d", stopped)
	}
	if err := loader.Close(); err != nil {
		t.Fatalf("close without session: %v", err)
	}
	if stopped != 1 {
		t.Fatalf("close must not stop again, got %d", stopped)
	}
}

func TestHTTPLoaderRespectsRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()

	loader := NewHTTPLoader(HTTPOptions{RespectRobots: true}, zerolog.Nop())
	if _, err := loader.Load(context.Background(), srv.URL+"/private/x"); !errors.Is(err, ErrDisallowed) {
		t.Fatalf("expected ErrDisallowed, got %v", err)
	}
	if _, err := loader.Load(context.Background(), srv.URL+"/p/X42"); err != nil {
		t.Fatalf("allowed path failed: %v", err)
	}
}

type namedSource struct{ name string }

func (n namedSource) Name() string { return n.name }
func (n namedSource) FetchItem(context.Context, ItemRef) (ItemResult, error) {
	return NotFound(), nil
}
func (n namedSource) FetchCategory(context.Context, string, int) ([]Observation, error) {
	return nil, nil
}

func TestRobotsSlowHostDoesNotBlockOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			close(started)
			<-release
		}
		fmt.Fprint(w, productPage)
	}))
	defer slow.Close()
	defer close(release)
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		fmt.Fprint(w, productPage)
	}))
	defer fast.Close()

	loader := NewHTTPLoader(HTTPOptions{RespectRobots: true, Timeout: 5 * time.Second}, zerolog.Nop())
	go func() { _, _ = loader.Load(context.Background(), slow.URL+"/p/1") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := loader.Load(ctx, fast.URL+"/p/X42"); err != nil {
		t.Fatalf("fast host waited on slow robots.txt: %v", err)
	}
}

func TestSources(t *testing.T) {
	set := NewSources(namedSource{"Amazon"}, namedSource{"newegg"})
	if set.DefaultSite() != "amazon" {
		t.Fatalf("default site: %s", set.DefaultSite())
	}
	src, err := set.Get("")
	if err != nil || src.Name() != "Amazon" {
		t.Fatalf("default lookup failed: %v", err)
	}
	if _, err := set.Get("bestbuy"); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("expected ErrUnknownSite, got %v", err)
	}
	if err := set.SetDefault("NEWEGG"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if all := set.All(); len(all) != 2 || all[0].Name() != "Amazon" {
		t.Fatalf("unexpected ordering: %v", all)
	}
}
