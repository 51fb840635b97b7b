package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"deepresearch/internal/analysis"
	"deepresearch/internal/config"
	"deepresearch/internal/extractor"
	"deepresearch/internal/generator"
	"deepresearch/internal/llm"
	"deepresearch/internal/metrics"
	"deepresearch/internal/model"
	"deepresearch/internal/planner"
	"deepresearch/internal/progress"
	"deepresearch/internal/search"
)

// interQueryThrottle is the cooperative delay between successive
// search calls within S2 (spec.md §4.4 S2).
const interQueryThrottle = 300 * time.Millisecond

// extractionDeadline bounds S4; on expiry the bag is an empty object
// and the pipeline proceeds (spec.md §4.4 S4).
const extractionDeadline = 90 * time.Second

// Executor runs the S1-S6 pipeline for a single job and is the only
// component that publishes to the progress bus (spec.md §4.4).
type Executor struct {
	LLMClient      llm.Client
	LLMProvider    llm.Provider
	SearchProvider search.Provider
	Scraper        ScraperAdapter
	Bus            *progress.Bus
	Logger         *slog.Logger

	MaxSearchQueries int
	EnableScraping   bool
	MaxURLsToScrape  int
	GeneratorMode    string
	LabMode          bool
}

// NewExecutor builds an Executor from configuration and its wired
// dependencies.
func NewExecutor(cfg *config.Config, llmClient llm.Client, llmProvider llm.Provider, searchProvider search.Provider, scraper ScraperAdapter, bus *progress.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		LLMClient:        llmClient,
		LLMProvider:      llmProvider,
		SearchProvider:   searchProvider,
		Scraper:          scraper,
		Bus:              bus,
		Logger:           logger,
		MaxSearchQueries: cfg.Planner.MaxSearchQueries,
		EnableScraping:   cfg.Scrape.Enabled,
		MaxURLsToScrape:  cfg.Scrape.MaxURLsPerJob,
		GeneratorMode:    cfg.Generator.Mode,
		LabMode:          cfg.Generator.LabMode,
	}
}

// Run drives S1 through S6 for one job, publishing progress events as
// it goes, and returns the terminal complete payload (spec.md §4.4).
// labMode is the per-job request flag; it is OR'd with the executor's
// own configured LabMode so an operator can force lab mode globally
// without every caller having to ask for it (SPEC_FULL.md §C.3).
func (e *Executor) Run(ctx context.Context, job *model.Job, history *model.ConversationHistory, labMode bool) (model.CompletePayload, error) {
	labMode = labMode || e.LabMode
	if history == nil {
		history = &model.ConversationHistory{}
	}

	var reasoningSteps []string
	emitReasoning := func(stage, message string) {
		reasoningSteps = append(reasoningSteps, message)
		e.publishReasoning(ctx, job.ID, message)
		_ = stage
	}

	// S1 Planning.
	emitReasoning("planning", "Planning the research approach for this query.")
	stageStart := time.Now()
	plan := planner.Plan(ctx, e.LLMClient, e.LLMProvider, job.Query, history.PriorQueries(3))
	metrics.RecordStage("planning", "ok", time.Since(stageStart).Milliseconds())

	if len(plan.SearchQueries) > e.MaxSearchQueries {
		plan.SearchQueries = plan.SearchQueries[:e.MaxSearchQueries]
	}

	var (
		searchByQuery  = make(map[string][]model.SearchHit)
		seenURLs       = make(map[string]bool)
		allURLs        []string
		sourcesByQuery [][]string // one entry per query, mirroring the published sources events
		scrapeResults  []model.ScrapeResult
	)

	if !plan.WebSearchNeeded || len(plan.SearchQueries) == 0 {
		// spec.md §8 invariant 3: no sources event, scrape_results empty.
		emitReasoning("searching", "No web search needed for this query; answering directly.")
	} else {
		// S2 Searching.
		emitReasoning("searching", fmt.Sprintf("Searching the web across %d queries.", len(plan.SearchQueries)))
		stageStart = time.Now()
		for i, query := range plan.SearchQueries {
			if i > 0 {
				select {
				case <-time.After(interQueryThrottle):
				case <-ctx.Done():
					return model.CompletePayload{}, ctx.Err()
				}
			}

			hits, err := e.SearchProvider.Search(ctx, &search.Request{Query: query, Limit: 10})
			if err != nil {
				e.Logger.Warn("search_call_failed", "job_id", job.ID, "query", query, "error", err)
				hits = nil
			}
			metrics.RecordSearchCall("searxng", len(hits))
			searchByQuery[query] = hits

			newlySeen := []string{}
			for _, hit := range hits {
				if hit.URL == "" || seenURLs[hit.URL] {
					continue
				}
				seenURLs[hit.URL] = true
				allURLs = append(allURLs, hit.URL)
				newlySeen = append(newlySeen, hit.URL)
			}

			sourcesByQuery = append(sourcesByQuery, newlySeen)
			e.publishSources(ctx, job.ID, query, newlySeen)
		}
		metrics.RecordStage("searching", "ok", time.Since(stageStart).Milliseconds())

		// S3 Scraping.
		if e.EnableScraping && len(allURLs) > 0 {
			emitReasoning("scraping", fmt.Sprintf("Reading %d sources in depth.", min(len(allURLs), e.MaxURLsToScrape)))
			stageStart = time.Now()

			urlsToScrape := allURLs
			if e.MaxURLsToScrape > 0 && len(urlsToScrape) > e.MaxURLsToScrape {
				urlsToScrape = urlsToScrape[:e.MaxURLsToScrape]
			}

			primaryQuery := plan.SearchQueries[0]
			results, err := e.Scraper.Scrape(ctx, job.ID, urlsToScrape, primaryQuery, job.Query)
			if err != nil {
				e.Logger.Warn("scrape_failed", "job_id", job.ID, "error", err)
			}
			scrapeResults = results

			for _, r := range scrapeResults {
				metrics.RecordScrape(r.Successful(), len(r.Tables))
			}
			stats := computeScrapeStatistics(urlsToScrape, scrapeResults)
			e.Logger.Info("scrape_batch_complete", "job_id", job.ID,
				"urls_requested", stats.URLsRequested,
				"successful_scrapes", stats.SuccessfulScrapes,
				"failed_scrapes", stats.FailedScrapes,
				"average_relevance_score", stats.AverageRelevanceScore,
				"total_tables_found", stats.TotalTablesFound,
			)
			metrics.RecordStage("scraping", "ok", time.Since(stageStart).Milliseconds())
		} else {
			emitReasoning("scraping", "Skipping source scraping for this query.")
		}
	}

	// S4 Extraction.
	emitReasoning("extraction", "Extracting structured data from the gathered evidence.")
	bag := e.runExtraction(ctx, job, searchByQuery, scrapeResults, plan.DataTypes)

	// S5 Generation.
	emitReasoning("generation", "Drafting the final report.")
	stageStart = time.Now()
	artifact, err := generator.Generate(ctx, e.LLMClient, e.Logger, e.GeneratorMode, labMode, job.Query, searchByQuery, scrapeResults, bag, history)
	if err != nil {
		metrics.RecordStage("generation", "failed", time.Since(stageStart).Milliseconds())
		return model.CompletePayload{}, fmt.Errorf("generation failed: %w", err)
	}
	metrics.RecordStage("generation", "ok", time.Since(stageStart).Milliseconds())
	e.publishArtifact(ctx, job.ID, artifact)

	// S6 Analysis.
	emitReasoning("analysis", "Summarizing the research process.")
	stageStart = time.Now()
	summary := analysis.Summarize(ctx, e.LLMClient, job.Query, searchByQuery, scrapeResults, bag, artifact.Body)
	metrics.RecordStage("analysis", "ok", time.Since(stageStart).Milliseconds())
	e.Bus.Publish(ctx, job.ID, model.ProgressEvent{Type: model.EventAnalysisSummary, Content: marshalOrEmpty(summary)})

	payload := model.CompletePayload{
		ConversationID: job.ConversationID,
		Content:        summary,
		Sources:        sourcesByQuery,
		ReasoningSteps: reasoningSteps,
		App:            artifact.Body,
		LabMode:        labMode,
	}

	e.Bus.Publish(ctx, job.ID, model.ProgressEvent{Type: model.EventComplete, Content: marshalOrEmpty(payload)})
	e.Bus.Publish(ctx, job.ID, model.ProgressEvent{Type: model.EventDone})

	return payload, nil
}

// runExtraction wraps C7 in the 90s deadline spec.md §4.4 S4 requires;
// a deadline or any parse failure degrades to an empty bag.
func (e *Executor) runExtraction(ctx context.Context, job *model.Job, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, dataTypes []string) model.DataBag {
	stageStart := time.Now()
	extractCtx, cancel := context.WithTimeout(ctx, extractionDeadline)
	defer cancel()

	bag := extractor.Extract(extractCtx, e.LLMClient, searchByQuery, scrapeResults, dataTypes, job.Query)
	metrics.RecordStage("extraction", "ok", time.Since(stageStart).Milliseconds())
	return bag
}

func (e *Executor) publishReasoning(ctx context.Context, jobID, message string) {
	e.Bus.Publish(ctx, jobID, model.ProgressEvent{Type: model.EventReasoning, Content: marshalOrEmpty(message)})
}

func (e *Executor) publishSources(ctx context.Context, jobID, query string, newlySeen []string) {
	payload := model.SourcesPayload{TransformedQuery: query, URLs: newlySeen}
	e.Bus.Publish(ctx, jobID, model.ProgressEvent{Type: model.EventSources, Content: marshalOrEmpty(payload)})
}

func (e *Executor) publishArtifact(ctx context.Context, jobID string, artifact model.Artifact) {
	eventType := model.EventMarkdown
	if artifact.Kind == model.ArtifactHTML {
		eventType = model.EventHTML
	}
	e.Bus.Publish(ctx, jobID, model.ProgressEvent{Type: eventType, Content: marshalOrEmpty(artifact.Body)})
}

func marshalOrEmpty(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// computeScrapeStatistics aggregates one S3 batch into the statistics
// block named by spec.md §6's scrape result envelope (SPEC_FULL.md
// §C.4): the orchestrator logs this as a structured line rather than
// threading it onto the wire, since nothing downstream of S3 consumes
// it as data.
func computeScrapeStatistics(requested []string, results []model.ScrapeResult) model.ScrapeStatistics {
	stats := model.ScrapeStatistics{URLsRequested: len(requested)}

	var scoreSum float64
	for _, r := range results {
		if r.Successful() {
			stats.SuccessfulScrapes++
			scoreSum += r.Score
		} else {
			stats.FailedScrapes++
		}
		stats.TotalTablesFound += len(r.Tables)
	}
	if stats.SuccessfulScrapes > 0 {
		stats.AverageRelevanceScore = scoreSum / float64(stats.SuccessfulScrapes)
	}
	return stats
}
