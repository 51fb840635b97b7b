// Package scraping implements the reference scrape engine behind the
// scrape-provider contract (C4): (urls, query) -> []ScrapeResult, each
// carrying the highest-scoring text chunk, a relevance score, and any
// extracted tables. It is "reference" because spec.md treats the real
// scrape tier as an external worker pool; this engine is what C11's
// direct binding calls in-process, and what a standalone scrape worker
// built from this repo would run behind the queue binding.
package scraping

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/errgroup"

	"deepresearch/internal/config"
	"deepresearch/internal/model"
)

// Engine is the scrape-provider contract (C4).
type Engine interface {
	Scrape(ctx context.Context, urls []string, query string) ([]model.ScrapeResult, error)
}

// HTTPEngine fetches pages over plain HTTP, converts them to markdown,
// chunks and scores the text against the query, and extracts any
// <table> elements into model.Table values.
type HTTPEngine struct {
	client      *http.Client
	userAgent   string
	chunkSize   int
	concurrency int
	respectRobots bool

	robotsMu    sync.Mutex
	robotsCache map[string]*robotstxt.RobotsData
}

// NewHTTPEngine builds an HTTPEngine from configuration.
func NewHTTPEngine(cfg config.ScrapeConfig) *HTTPEngine {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 400
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return &HTTPEngine{
		client:        &http.Client{Timeout: timeout},
		userAgent:     cfg.UserAgent,
		chunkSize:     chunkSize,
		concurrency:   concurrency,
		respectRobots: cfg.Robots.Respect,
		robotsCache:   make(map[string]*robotstxt.RobotsData),
	}
}

// Scrape fetches each url concurrently (bounded by configured
// concurrency) and returns one ScrapeResult per url in input order.
// Per-url failures are captured in ScrapeResult.Error, never returned
// as a top-level error — partial failure is never fatal (spec.md §4.4
// S3, §7).
func (e *HTTPEngine) Scrape(ctx context.Context, urls []string, query string) ([]model.ScrapeResult, error) {
	results := make([]model.ScrapeResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			results[i] = e.scrapeOne(gctx, u, query)
			return nil
		})
	}
	_ = g.Wait() // per-url errors live in results[i].Error, never aborts the batch

	return results, nil
}

func (e *HTTPEngine) scrapeOne(ctx context.Context, rawURL, query string) model.ScrapeResult {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.ScrapeResult{URL: rawURL, Error: "invalid url: " + err.Error()}
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	if e.respectRobots && !e.allowedByRobots(ctx, u) {
		return model.ScrapeResult{URL: u.String(), Error: "blocked by robots.txt"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.ScrapeResult{URL: u.String(), Error: err.Error()}
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return model.ScrapeResult{URL: u.String(), Error: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ScrapeResult{URL: u.String(), Error: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.ScrapeResult{URL: u.String(), Error: "http status " + resp.Status}
	}

	return buildScrapeResult(u.String(), body, query, e.chunkSize)
}

func (e *HTTPEngine) allowedByRobots(ctx context.Context, u *url.URL) bool {
	host := u.Scheme + "://" + u.Host

	e.robotsMu.Lock()
	data, cached := e.robotsCache[host]
	e.robotsMu.Unlock()

	if !cached {
		data = e.fetchRobots(ctx, host)
		e.robotsMu.Lock()
		e.robotsCache[host] = data
		e.robotsMu.Unlock()
	}

	if data == nil {
		return true
	}
	agent := e.userAgent
	if agent == "" {
		agent = "*"
	}
	return data.FindGroup(agent).Test(u.Path)
}

func (e *HTTPEngine) fetchRobots(ctx context.Context, host string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data
}

// buildScrapeResult converts fetched HTML into markdown, chunks it,
// scores each chunk against query, and extracts any tables.
func buildScrapeResult(sourceURL string, body []byte, query string, chunkSize int) model.ScrapeResult {
	htmlStr := string(body)

	converter := htmlmd.NewConverter("", true, nil)
	markdown, mdErr := converter.ConvertString(htmlStr)

	doc, docErr := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if docErr != nil {
		if mdErr != nil || markdown == "" {
			return model.ScrapeResult{URL: sourceURL, Error: "unable to parse page"}
		}
	}

	if mdErr != nil && docErr == nil {
		markdown = doc.Text()
	}

	var tables []model.Table
	if docErr == nil {
		tables = extractTables(doc)
	}

	chunks := chunkText(markdown, chunkSize)
	if len(chunks) == 0 {
		return model.ScrapeResult{
			URL:         sourceURL,
			Tables:      tables,
			TablesCount: len(tables),
			Error:       "no content",
		}
	}

	bestIdx, bestScore := bestChunk(chunks, query)

	return model.ScrapeResult{
		URL:         sourceURL,
		BestChunk:   chunks[bestIdx],
		Score:       bestScore,
		ChunkIndex:  bestIdx,
		TotalChunks: len(chunks),
		WordCount:   len(strings.Fields(markdown)),
		Tables:      tables,
		TablesCount: len(tables),
	}
}

// chunkText splits text into whitespace-delimited word windows of
// roughly chunkSize words each.
func chunkText(text string, chunkSize int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(words); i += chunkSize {
		end := i + chunkSize
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// bestChunk scores each chunk by term-overlap with query (fraction of
// query terms present, case-insensitive) and returns the index and
// score of the highest-scoring chunk. Ties resolve to the earliest
// chunk. Grounded on the original Python worker's chunk-and-score loop
// (deep_search.py); spec.md leaves the exact scoring function
// unspecified.
func bestChunk(chunks []string, query string) (int, float64) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0, 0
	}

	bestIdx := 0
	bestScore := -1.0
	for i, chunk := range chunks {
		lower := strings.ToLower(chunk)
		matched := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matched++
			}
		}
		score := float64(matched) / float64(len(terms))
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestScore < 0 {
		bestScore = 0
	}
	return bestIdx, math.Round(bestScore*1000) / 1000
}

// extractTables converts every <table> in the document into a
// model.Table carrying {"headers": [...], "rows": [[...]]}.
func extractTables(doc *goquery.Document) []model.Table {
	var tables []model.Table
	doc.Find("table").Each(func(_ int, tableSel *goquery.Selection) {
		var headers []string
		tableSel.Find("tr").First().Find("th").Each(func(_ int, cell *goquery.Selection) {
			headers = append(headers, strings.TrimSpace(cell.Text()))
		})

		var rows [][]string
		tableSel.Find("tr").Each(func(i int, rowSel *goquery.Selection) {
			if i == 0 && len(headers) > 0 {
				return // header row already consumed
			}
			var row []string
			rowSel.Find("td").Each(func(_ int, cell *goquery.Selection) {
				row = append(row, strings.TrimSpace(cell.Text()))
			})
			if len(row) > 0 {
				rows = append(rows, row)
			}
		})

		if len(rows) == 0 {
			return
		}
		tables = append(tables, model.Table{
			"headers": headers,
			"rows":    rows,
		})
	})
	return tables
}
