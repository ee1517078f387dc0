package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// HeadlessOptions configure the browser-backed loader.
type HeadlessOptions struct {
	// ControlURL points at an already running browser; empty launches one.
	ControlURL  string
	PageTimeout time.Duration
}

// HeadlessLoader renders pages in a single shared browser session. The session
// is created lazily and released by Close; callers serialize jobs that share it.
type HeadlessLoader struct {
	opts   HeadlessOptions
	logger zerolog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	// stop kills a browser process this loader launched itself.
	stop    func()
	launch  func() (controlURL string, stop func(), err error)
}

// NewHeadlessLoader constructs a loader; no browser is started until first use.
func NewHeadlessLoader(opts HeadlessOptions, logger zerolog.Logger) *HeadlessLoader {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 30 * time.Second
	}
	return &HeadlessLoader{
		opts:   opts,
		logger: logger.With().Str("component", "headless_loader").Logger(),
		launch: launchLocal,
	}
}

func launchLocal() (string, func(), error) {
	l := launcher.New().Headless(true)
	stop := func() {
		l.Kill()
		l.Cleanup()
	}
	u, err := l.Launch()
	if err != nil {
		stop()
		return "", nil, err
	}
	return u, stop, nil
}

// Load renders rawURL and returns the resulting DOM as HTML.
func (h *HeadlessLoader) Load(ctx context.Context, rawURL string) (Page, error) {
	browser, err := h.session()
	if err != nil {
		return Page{}, err
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return Page{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			h.logger.Debug().Err(cerr).Msg("close page")
		}
	}()

	timed := page.Timeout(h.opts.PageTimeout)
	if err := timed.WaitLoad(); err != nil {
		return Page{}, fmt.Errorf("wait load %s: %w", rawURL, err)
	}
	_ = timed.WaitDOMStable(time.Second, 0.1)

	content, err := page.HTML()
	if err != nil {
		return Page{}, fmt.Errorf("get page HTML: %w", err)
	}
	return Page{URL: rawURL, StatusCode: 200, Body: []byte(content)}, nil
}

func (h *HeadlessLoader) session() (*rod.Browser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.browser != nil {
		return h.browser, nil
	}

	controlURL := h.opts.ControlURL
	var stop func()
	if controlURL == "" {
		u, kill, err := h.launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL, stop = u, kill
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if stop != nil {
			stop()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	h.browser = browser
	h.stop = stop
	h.logger.Info().Msg("browser session started")
	return browser, nil
}

// Close tears the browser session down.
func (h *HeadlessLoader) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.browser == nil {
		return nil
	}
	err := h.browser.Close()
	h.browser = nil
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
	return err
}

var _ Loader = (*HeadlessLoader)(nil)
