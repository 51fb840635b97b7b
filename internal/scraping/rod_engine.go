package scraping

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"deepresearch/internal/config"
	"deepresearch/internal/model"
)

// RodEngine renders JS-heavy pages with a local headless Chromium
// instance before applying the same chunk/score/table pipeline as
// HTTPEngine. It is gated by config.Scrape.Rod.Enabled, exactly as the
// teacher gates its rod-based scraper behind RodConfig.Enabled.
type RodEngine struct {
	timeout   time.Duration
	userAgent string
	chunkSize int
}

// NewRodEngine builds a RodEngine from configuration.
func NewRodEngine(cfg config.ScrapeConfig) *RodEngine {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 400
	}
	return &RodEngine{timeout: timeout, userAgent: cfg.UserAgent, chunkSize: chunkSize}
}

// Scrape renders each url sequentially; a single local browser instance
// is reused across urls in one call to avoid per-url launch cost.
func (e *RodEngine) Scrape(ctx context.Context, urls []string, query string) ([]model.ScrapeResult, error) {
	browser, err := newLocalBrowser(ctx, e.timeout)
	if err != nil {
		results := make([]model.ScrapeResult, len(urls))
		for i, u := range urls {
			results[i] = model.ScrapeResult{URL: u, Error: "browser launch failed: " + err.Error()}
		}
		return results, nil
	}
	defer func() { _ = browser.Close() }()

	results := make([]model.ScrapeResult, len(urls))
	for i, raw := range urls {
		results[i] = e.scrapeOne(browser, raw, query)
	}
	return results, nil
}

func (e *RodEngine) scrapeOne(browser *rod.Browser, rawURL, query string) model.ScrapeResult {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.ScrapeResult{URL: rawURL, Error: "invalid url: " + err.Error()}
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return model.ScrapeResult{URL: u.String(), Error: err.Error()}
	}
	defer func() { _ = page.Close() }()

	if err := page.WaitLoad(); err != nil {
		return model.ScrapeResult{URL: u.String(), Error: err.Error()}
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return model.ScrapeResult{URL: u.String(), Error: err.Error()}
	}

	return buildScrapeResult(u.String(), []byte(htmlStr), query, e.chunkSize)
}

func newLocalBrowser(ctx context.Context, timeout time.Duration) (*rod.Browser, error) {
	var l *launcher.Launcher
	if path, has := launcher.LookPath(); has {
		l = launcher.New().Bin(path)
	} else {
		l = launcher.New()
	}
	l = l.Headless(true).NoSandbox(true)

	controlURL, err := l.Launch()
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx).Timeout(timeout)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, err
	}
	return browser, nil
}

// NewEngine selects HTTPEngine or RodEngine based on configuration.
func NewEngine(cfg config.ScrapeConfig) Engine {
	if cfg.Rod.Enabled {
		return NewRodEngine(cfg)
	}
	return NewHTTPEngine(cfg)
}
