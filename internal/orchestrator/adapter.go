// Package orchestrator implements the pipeline executor (C10) and the
// scraper callback adapter (C11) that hides whether scraping runs
// in-process or over the task broker (spec.md §4.4, §4.8).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"deepresearch/internal/broker"
	"deepresearch/internal/model"
	"deepresearch/internal/scraping"
)

// ScraperAdapter exposes the single scrape operation the executor
// depends on, oblivious to whether it runs locally or remotely
// (spec.md §4.8).
type ScraperAdapter interface {
	Scrape(ctx context.Context, jobID string, urls []string, primaryQuery, originalQuery string) ([]model.ScrapeResult, error)
}

// DirectBinding calls the scrape engine in-process.
type DirectBinding struct {
	Engine  scraping.Engine
	Timeout time.Duration
}

// NewDirectBinding builds a DirectBinding over an existing Engine.
func NewDirectBinding(engine scraping.Engine, timeout time.Duration) *DirectBinding {
	return &DirectBinding{Engine: engine, Timeout: timeout}
}

// Scrape runs the engine in-process, bounded by a per-call timeout.
func (d *DirectBinding) Scrape(ctx context.Context, jobID string, urls []string, primaryQuery, originalQuery string) ([]model.ScrapeResult, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return d.Engine.Scrape(ctx, urls, primaryQuery)
}

// QueueBinding enqueues a scrape_content task and blocks on the
// broker's result channel.
type QueueBinding struct {
	Broker  *broker.Broker
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewQueueBinding builds a QueueBinding over an existing Broker.
func NewQueueBinding(b *broker.Broker, timeout time.Duration, logger *slog.Logger) *QueueBinding {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueBinding{Broker: b, Timeout: timeout, Logger: logger}
}

type scrapeContentPayload struct {
	JobID         string   `json:"job_id"`
	URLs          []string `json:"urls"`
	PrimaryQuery  string   `json:"primary_query"`
	OriginalQuery string   `json:"original_query"`
}

// Scrape enqueues a scrape_content task on the "scraper" queue and
// awaits its result, normalizing the three permissible return shapes
// (spec.md §4.8). Any failure yields an empty sequence and logs.
func (q *QueueBinding) Scrape(ctx context.Context, jobID string, urls []string, primaryQuery, originalQuery string) ([]model.ScrapeResult, error) {
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}

	taskID, err := q.Broker.Enqueue(ctx, "scraper", "scrape_content", scrapeContentPayload{
		JobID:         jobID,
		URLs:          urls,
		PrimaryQuery:  primaryQuery,
		OriginalQuery: originalQuery,
	})
	if err != nil {
		q.Logger.Warn("scrape_enqueue_failed", "job_id", jobID, "error", err)
		return nil, nil
	}

	raw, err := q.Broker.AwaitResult(ctx, taskID, timeout)
	if err != nil {
		q.Logger.Warn("scrape_result_timeout", "job_id", jobID, "task_id", taskID, "error", err)
		return nil, nil
	}

	results, err := NormalizeScrapeResults(raw)
	if err != nil {
		q.Logger.Warn("scrape_result_unrecognized_shape", "job_id", jobID, "task_id", taskID, "error", err)
		return nil, nil
	}
	return results, nil
}

// NormalizeScrapeResults accepts any of the three permissible scrape
// worker return shapes — `{data: {results: [...]}}`, `{results: [...]}`,
// or a bare `[...]` — and normalizes them into a uniform sequence
// (spec.md §4.8, §6).
func NormalizeScrapeResults(raw json.RawMessage) ([]model.ScrapeResult, error) {
	var bareList []model.ScrapeResult
	if err := json.Unmarshal(raw, &bareList); err == nil {
		return bareList, nil
	}

	var resultsShape struct {
		Results []model.ScrapeResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &resultsShape); err == nil && resultsShape.Results != nil {
		return resultsShape.Results, nil
	}

	var dataShape struct {
		Data struct {
			Results []model.ScrapeResult `json:"results"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &dataShape); err == nil && dataShape.Data.Results != nil {
		return dataShape.Data.Results, nil
	}

	return nil, fmt.Errorf("unrecognized scrape result shape")
}
