package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/llm"
	"deepresearch/internal/model"
	"deepresearch/internal/progress"
	"deepresearch/internal/search"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeLLM returns a scripted response chosen by a substring of the
// request's system prompt, so planner/extractor/analysis calls can each
// be scripted independently; any other call is answered as generation.
type fakeLLM struct {
	planResponse      string
	extractResponse   string
	generateResponse  string
	analysisResponse  string
	generateErr       error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	switch {
	case contains(req.System, "analyze user queries"):
		return f.planResponse, nil
	case contains(req.System, "extract structured data"):
		return f.extractResponse, nil
	case contains(req.System, "narrate the research process"):
		return f.analysisResponse, nil
	default:
		if f.generateErr != nil {
			return "", f.generateErr
		}
		return f.generateResponse, nil
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

type fakeSearch struct {
	hitsByQuery map[string][]model.SearchHit
}

func (f *fakeSearch) Search(ctx context.Context, req *search.Request) ([]model.SearchHit, error) {
	return f.hitsByQuery[req.Query], nil
}

type fakeScraper struct {
	results []model.ScrapeResult
	err     error
	calls   int
}

func (f *fakeScraper) Scrape(ctx context.Context, jobID string, urls []string, primaryQuery, originalQuery string) ([]model.ScrapeResult, error) {
	f.calls++
	return f.results, f.err
}

func newTestBus(t *testing.T) *progress.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return progress.New(client, nil)
}

func baseConfig() *config.Config {
	return &config.Config{
		Planner:   config.PlannerConfig{MaxSearchQueries: 5},
		Scrape:    config.ScrapeConfig{Enabled: true, MaxURLsPerJob: 5},
		Generator: config.GeneratorConfig{Mode: "markdown"},
	}
}

func collectEvents(t *testing.T, bus *progress.Bus, jobID string) (<-chan model.ProgressEvent, func()) {
	t.Helper()
	events, closeSub := bus.Subscribe(context.Background(), jobID)
	return events, func() { closeSub() }
}

// TestExecutorE1NoSearchNeeded verifies spec.md's E1: no sources
// event, one reasoning event per stage, terminal complete with empty
// sources.
func TestExecutorE1NoSearchNeeded(t *testing.T) {
	bus := newTestBus(t)
	llmClient := &fakeLLM{
		planResponse:     `{"web_search_needed": false, "search_queries": [], "data_extraction_needed": false, "data_types": []}`,
		extractResponse:  `{}`,
		generateResponse: "# Hello\n\nA friendly reply.",
		analysisResponse: "A short narrative.",
	}
	exec := NewExecutor(baseConfig(), llmClient, llm.ProviderOpenAI, &fakeSearch{}, &fakeScraper{}, bus, nil)

	job := &model.Job{ID: "job-e1", ConversationID: "conv-1", Query: "Hello"}
	events, closeSub := collectEvents(t, bus, job.ID)
	defer closeSub()
	time.Sleep(30 * time.Millisecond)

	done := make(chan model.CompletePayload, 1)
	go func() {
		payload, err := exec.Run(context.Background(), job, nil, false)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- payload
	}()

	var sawSources bool
	var payload model.CompletePayload
	for {
		select {
		case ev := <-events:
			if ev.Type == model.EventSources {
				sawSources = true
			}
			if ev.Type == model.EventComplete {
				json.Unmarshal(ev.Content, &payload)
			}
			if ev.Type == model.EventDone {
				goto done
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for pipeline completion")
		}
	}
done:
	if sawSources {
		t.Fatal("expected no sources event when web_search_needed is false")
	}
	if len(payload.Sources) != 0 {
		t.Fatalf("expected empty sources in complete payload, got %v", payload.Sources)
	}
}

// TestExecutorE2CapsSearchQueries verifies spec.md's E2: a 6-query
// plan is capped to max_search_queries=5 search calls.
func TestExecutorE2CapsSearchQueries(t *testing.T) {
	bus := newTestBus(t)
	llmClient := &fakeLLM{
		planResponse:     `{"web_search_needed": true, "search_queries": ["a","b","c","d","e","f"], "data_extraction_needed": false, "data_types": []}`,
		extractResponse:  `{}`,
		generateResponse: "# Report",
		analysisResponse: "Narrative.",
	}
	searchProvider := &fakeSearch{hitsByQuery: map[string][]model.SearchHit{
		"a": {{URL: "https://a.example"}},
		"b": {{URL: "https://b.example"}},
		"c": {{URL: "https://c.example"}},
		"d": {{URL: "https://d.example"}},
		"e": {{URL: "https://e.example"}},
	}}
	cfg := baseConfig()
	cfg.Scrape.Enabled = false
	exec := NewExecutor(cfg, llmClient, llm.ProviderOpenAI, searchProvider, &fakeScraper{}, bus, nil)

	job := &model.Job{ID: "job-e2", ConversationID: "conv-2", Query: "compare things"}
	events, closeSub := collectEvents(t, bus, job.ID)
	defer closeSub()
	time.Sleep(30 * time.Millisecond)

	go exec.Run(context.Background(), job, nil, false)

	var sourcesEvents int
	for {
		select {
		case ev := <-events:
			if ev.Type == model.EventSources {
				sourcesEvents++
			}
			if ev.Type == model.EventDone {
				goto done
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for pipeline completion")
		}
	}
done:
	if sourcesEvents != 5 {
		t.Fatalf("expected exactly 5 sources events, got %d", sourcesEvents)
	}
}

// TestExecutorE3ExtractorFailureIsNonFatal verifies spec.md's E3: an
// extractor LLM failure yields an empty bag but the job still
// succeeds with the generator invoked.
func TestExecutorE3ExtractorFailureIsNonFatal(t *testing.T) {
	bus := newTestBus(t)
	llmClient := &fakeLLM{
		planResponse:     `{"web_search_needed": true, "search_queries": ["topic"], "data_extraction_needed": true, "data_types": []}`,
		extractResponse:  "not json at all, sorry",
		generateResponse: "# Report\n\nBody.",
		analysisResponse: "Narrative.",
	}
	searchProvider := &fakeSearch{hitsByQuery: map[string][]model.SearchHit{
		"topic": {{URL: "https://u.example"}},
	}}
	scraper := &fakeScraper{results: []model.ScrapeResult{
		{URL: "u", BestChunk: "x", Score: 0.9, Tables: []model.Table{{"headers": []string{"h"}}}, TablesCount: 1},
	}}
	exec := NewExecutor(baseConfig(), llmClient, llm.ProviderOpenAI, searchProvider, scraper, bus, nil)

	job := &model.Job{ID: "job-e3", ConversationID: "conv-3", Query: "topic research"}
	payload, err := exec.Run(context.Background(), job, nil, false)
	if err != nil {
		t.Fatalf("expected job to succeed despite extractor failure, got %v", err)
	}
	if payload.App == "" {
		t.Fatal("expected generator to still produce an artifact")
	}
}

// TestExecutorE4DedupesURLsAcrossQueries verifies spec.md's E4: the
// first sources event gets the overlapping url, the second only gets
// the url unique to it.
func TestExecutorE4DedupesURLsAcrossQueries(t *testing.T) {
	bus := newTestBus(t)
	llmClient := &fakeLLM{
		planResponse:     `{"web_search_needed": true, "search_queries": ["q1","q2"], "data_extraction_needed": false, "data_types": []}`,
		extractResponse:  `{}`,
		generateResponse: "# Report",
		analysisResponse: "Narrative.",
	}
	searchProvider := &fakeSearch{hitsByQuery: map[string][]model.SearchHit{
		"q1": {{URL: "https://u1.example"}, {URL: "https://u2.example"}},
		"q2": {{URL: "https://u2.example"}, {URL: "https://u3.example"}},
	}}
	cfg := baseConfig()
	cfg.Scrape.Enabled = false
	exec := NewExecutor(cfg, llmClient, llm.ProviderOpenAI, searchProvider, &fakeScraper{}, bus, nil)

	job := &model.Job{ID: "job-e4", ConversationID: "conv-4", Query: "overlap test"}
	events, closeSub := collectEvents(t, bus, job.ID)
	defer closeSub()
	time.Sleep(30 * time.Millisecond)

	go exec.Run(context.Background(), job, nil, false)

	var sourcesPayloads []model.SourcesPayload
	for {
		select {
		case ev := <-events:
			if ev.Type == model.EventSources {
				var p model.SourcesPayload
				json.Unmarshal(ev.Content, &p)
				sourcesPayloads = append(sourcesPayloads, p)
			}
			if ev.Type == model.EventDone {
				goto done
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for pipeline completion")
		}
	}
done:
	if len(sourcesPayloads) != 2 {
		t.Fatalf("expected 2 sources events, got %d", len(sourcesPayloads))
	}
	if len(sourcesPayloads[0].URLs) != 2 {
		t.Fatalf("expected first sources event to carry 2 urls, got %v", sourcesPayloads[0].URLs)
	}
	if len(sourcesPayloads[1].URLs) != 1 || sourcesPayloads[1].URLs[0] != "https://u3.example" {
		t.Fatalf("expected second sources event to carry only the new url, got %v", sourcesPayloads[1].URLs)
	}
}

// TestExecutorE5WrapsNonHTMLGeneratorOutput verifies spec.md's E5: a
// bare-text generator output is wrapped in a minimal doctype skeleton
// and complete is still emitted.
func TestExecutorE5WrapsNonHTMLGeneratorOutput(t *testing.T) {
	bus := newTestBus(t)
	llmClient := &fakeLLM{
		planResponse:     `{"web_search_needed": false, "search_queries": [], "data_extraction_needed": false, "data_types": []}`,
		extractResponse:  `{}`,
		generateResponse: "hello",
		analysisResponse: "Narrative.",
	}
	cfg := baseConfig()
	cfg.Generator.Mode = "html"
	exec := NewExecutor(cfg, llmClient, llm.ProviderOpenAI, &fakeSearch{}, &fakeScraper{}, bus, nil)

	job := &model.Job{ID: "job-e5", ConversationID: "conv-5", Query: "say hello"}
	payload, err := exec.Run(context.Background(), job, nil, false)
	if err != nil {
		t.Fatalf("expected job to succeed, got %v", err)
	}
	if len(payload.App) < 15 || payload.App[:9] != "<!DOCTYPE" {
		t.Fatalf("expected wrapped doctype skeleton, got %q", payload.App)
	}
}

// TestExecutorE6CancelDuringSearchEmitsNoComplete checks spec.md's E6
// property (no complete event after a cancel signal), with the cancel
// landing in S2's inter-query throttle rather than in S3.
func TestExecutorE6CancelDuringSearchEmitsNoComplete(t *testing.T) {
	bus := newTestBus(t)
	llmClient := &fakeLLM{
		planResponse: `{"web_search_needed": true, "search_queries": ["q1","q2","q3"], "data_extraction_needed": false, "data_types": []}`,
	}
	searchProvider := &fakeSearch{hitsByQuery: map[string][]model.SearchHit{
		"q1": {{URL: "https://u1.example"}},
		"q2": {{URL: "https://u2.example"}},
		"q3": {{URL: "https://u3.example"}},
	}}
	exec := NewExecutor(baseConfig(), llmClient, llm.ProviderOpenAI, searchProvider, &fakeScraper{}, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	job := &model.Job{ID: "job-e6", ConversationID: "conv-6", Query: "cancel mid flight"}

	events, closeSub := collectEvents(t, bus, job.ID)
	defer closeSub()
	time.Sleep(30 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond) // cancel during the S2 inter-query throttle
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := exec.Run(ctx, job, nil, false)
		errCh <- err
	}()

	var sawComplete bool
loop:
	for {
		select {
		case ev := <-events:
			if ev.Type == model.EventComplete {
				sawComplete = true
			}
		case <-errCh:
			break loop
		case <-time.After(2 * time.Second):
			break loop
		}
	}

	if sawComplete {
		t.Fatal("expected no complete event after cancellation")
	}
}
