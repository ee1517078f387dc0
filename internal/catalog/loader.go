package catalog

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrDisallowed is returned when robots.txt forbids fetching a URL.
var ErrDisallowed = errors.New("catalog: disallowed by robots.txt")

const maxPageBytes = 8 << 20

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Loader fetches a page. Implementations own their session resources.
type Loader interface {
	Load(ctx context.Context, rawURL string) (Page, error)
}

// HTTPOptions parameterise the plain HTTP loader.
type HTTPOptions struct {
	Timeout       time.Duration
	UserAgent     string
	RatePerSecond float64
	RateBurst     int
	RespectRobots bool
}

// HTTPLoader fetches pages over HTTP with a token-bucket limiter and
// optional robots.txt checks.
type HTTPLoader struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	robots  *robotsCache
	logger  zerolog.Logger
}

// NewHTTPLoader constructs an HTTP loader.
func NewHTTPLoader(opts HTTPOptions, logger zerolog.Logger) *HTTPLoader {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pricewatch/1.0"
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	client := &http.Client{Timeout: opts.Timeout}
	loader := &HTTPLoader{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "http_loader").Logger(),
	}
	if opts.RespectRobots {
		loader.robots = newRobotsCache(client, time.Hour)
	}
	return loader
}

// Load fetches rawURL. Non-2xx responses are returned as pages, not errors, so
// the caller can classify them.
func (l *HTTPLoader) Load(ctx context.Context, rawURL string) (Page, error) {
	if l.robots != nil && !l.robots.allowed(ctx, l.opts.UserAgent, rawURL) {
		return Page{}, fmt.Errorf("%w: %s", ErrDisallowed, rawURL)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return Page{}, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", l.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-CA,en;q=0.9,fr-CA;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := l.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", rawURL, err)
	}

	l.logger.Debug().Str("url", rawURL).Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("page loaded")
	return Page{URL: rawURL, StatusCode: resp.StatusCode, Body: body}, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(io.LimitReader(reader, maxPageBytes))
}

// robotsCache caches parsed robots.txt per host. Fetches run outside mu and
// are collapsed per origin, so one slow host does not stall the others.
type robotsCache struct {
	client *http.Client
	ttl    time.Duration
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]robotsEntry
}

type robotsEntry struct {
	data    *robotstxt.RobotsData
	expires time.Time
}

func newRobotsCache(client *http.Client, ttl time.Duration) *robotsCache {
	return &robotsCache{client: client, ttl: ttl, entries: make(map[string]robotsEntry)}
}

// allowed fails open: an unreachable robots.txt does not block scanning.
func (r *robotsCache) allowed(ctx context.Context, userAgent, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	data := r.get(ctx, u.Scheme+"://"+u.Host)
	if data == nil {
		return true
	}
	return data.FindGroup(userAgent).Test(u.Path)
}

func (r *robotsCache) get(ctx context.Context, origin string) *robotstxt.RobotsData {
	r.mu.Lock()
	entry, ok := r.entries[origin]
	r.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.data
	}

	v, err, _ := r.flight.Do(origin, func() (any, error) {
		data, err := r.fetch(ctx, origin)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[origin] = robotsEntry{data: data, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil
	}
	return v.(*robotstxt.RobotsData)
}

func (r *robotsCache) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return robotstxt.FromResponse(resp)
}

var _ Loader = (*HTTPLoader)(nil)
