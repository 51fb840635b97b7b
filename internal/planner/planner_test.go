package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"deepresearch/internal/llm"
	"deepresearch/internal/model"
)

type fakeClient struct {
	response   string
	err        error
	lastPrompt string
}

func (f *fakeClient) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.lastPrompt = req.Prompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestPlanParsesStrictJSON(t *testing.T) {
	client := &fakeClient{response: `{"web_search_needed": true, "search_queries": ["go concurrency patterns", "goroutine scheduling"], "data_extraction_needed": false, "data_types": []}`}

	plan := Plan(t.Context(), client, llm.ProviderOpenAI, "how does go scheduling work", nil)

	if !plan.WebSearchNeeded {
		t.Fatal("expected web_search_needed true")
	}
	if len(plan.SearchQueries) != 2 {
		t.Fatalf("expected 2 search queries, got %v", plan.SearchQueries)
	}
}

func TestPlanStripsFencesAndCoercesPythonLiterals(t *testing.T) {
	client := &fakeClient{response: "```json\n{'web_search_needed': True, 'search_queries': ['rust vs go performance'], 'data_extraction_needed': False, 'data_types': None}\n```"}

	plan := Plan(t.Context(), client, llm.ProviderAnthropic, "rust vs go", nil)

	if !plan.WebSearchNeeded {
		t.Fatal("expected web_search_needed true after python-literal coercion")
	}
	if len(plan.SearchQueries) != 1 || plan.SearchQueries[0] != "rust vs go performance" {
		t.Fatalf("unexpected search queries: %v", plan.SearchQueries)
	}
}

func TestPlanRegexFallbackOnMalformedJSON(t *testing.T) {
	client := &fakeClient{response: `Sure! Here you go: "web_search_needed": true, "search_queries": ["python packaging tools", "pip vs poetry"] -- hope that helps!`}

	plan := Plan(t.Context(), client, llm.ProviderGoogle, "python packaging", nil)

	if !plan.WebSearchNeeded {
		t.Fatal("expected web_search_needed true via regex fallback")
	}
	if len(plan.SearchQueries) != 2 {
		t.Fatalf("expected 2 search queries via regex fallback, got %v", plan.SearchQueries)
	}
}

func TestPlanUltimateFallbackOnLLMError(t *testing.T) {
	client := &fakeClient{err: errors.New("provider unavailable")}

	plan := Plan(t.Context(), client, llm.ProviderOpenAI, "current weather in tokyo", nil)

	if !plan.WebSearchNeeded {
		t.Fatal("expected ultimate fallback to set web_search_needed true")
	}
	if len(plan.SearchQueries) != 1 || plan.SearchQueries[0] != "current weather in tokyo" {
		t.Fatalf("expected ultimate fallback to echo the user query, got %v", plan.SearchQueries)
	}
}

func TestPlanUltimateFallbackOnUnparsableGarbage(t *testing.T) {
	client := &fakeClient{response: "I cannot help with that request."}

	plan := Plan(t.Context(), client, llm.ProviderOpenAI, "unanswerable query", nil)

	if len(plan.SearchQueries) != 1 || plan.SearchQueries[0] != "unanswerable query" {
		t.Fatalf("expected ultimate fallback, got %v", plan.SearchQueries)
	}
}

func TestPlanEnforcesNoSearchInvariant(t *testing.T) {
	client := &fakeClient{response: `{"web_search_needed": false, "search_queries": ["should be dropped"], "data_extraction_needed": false, "data_types": []}`}

	plan := Plan(t.Context(), client, llm.ProviderOpenAI, "write me a poem about cats", nil)

	if plan.WebSearchNeeded {
		t.Fatal("expected web_search_needed false")
	}
	if len(plan.SearchQueries) != 0 {
		t.Fatalf("expected search_queries cleared when web_search_needed is false, got %v", plan.SearchQueries)
	}
}

func TestPlanTruncatesToLastThreePriorQueries(t *testing.T) {
	client := &fakeClient{response: `{"web_search_needed": true, "search_queries": ["follow up query"], "data_extraction_needed": false, "data_types": []}`}

	prior := []string{"query one", "query two", "query three", "query four"}
	plan := Plan(t.Context(), client, llm.ProviderOpenAI, "follow up", prior)

	if plan == nil {
		t.Fatal("expected a plan")
	}
	if strings.Contains(client.lastPrompt, "query one") {
		t.Fatalf("expected the oldest prior query to be dropped, got prompt %q", client.lastPrompt)
	}
	if !strings.Contains(client.lastPrompt, "1. query two") || !strings.Contains(client.lastPrompt, "3. query four") {
		t.Fatalf("expected the last three prior queries numbered in order, got prompt %q", client.lastPrompt)
	}
}

func TestScrubYearsRemovesStaleLiteralsOutsideRanges(t *testing.T) {
	plan := &model.ResearchPlan{
		WebSearchNeeded: true,
		SearchQueries:   []string{"inflation rate 2023 report", "GDP growth 2019-2023 comparison"},
	}

	scrubYears(plan)

	if plan.SearchQueries[0] == "inflation rate 2023 report" {
		t.Fatalf("expected stale year literal to be scrubbed, got %q", plan.SearchQueries[0])
	}
	if plan.SearchQueries[1] != "GDP growth 2019-2023 comparison" {
		t.Fatalf("expected explicit year range to survive scrubbing, got %q", plan.SearchQueries[1])
	}
}

func TestScrubYearsReplacesTemporalKeywords(t *testing.T) {
	plan := &model.ResearchPlan{
		WebSearchNeeded: true,
		SearchQueries:   []string{"weather today in paris"},
	}

	scrubYears(plan)

	if plan.SearchQueries[0] == "weather today in paris" {
		t.Fatal("expected 'today' to be replaced with the current year")
	}
}
