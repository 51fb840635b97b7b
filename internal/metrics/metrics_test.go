package metrics

import (
	"strings"
	"testing"
)

func TestRecordStageAndExport(t *testing.T) {
	RecordStage("search", "ok", 42)

	out := Export()
	if !strings.Contains(out, `deepresearch_stage_runs_total{stage="search",status="ok"}`) {
		t.Fatalf("expected stage_runs_total for search/ok in export, got:\n%s", out)
	}
	if !strings.Contains(out, "deepresearch_stage_duration_ms_sum") {
		t.Fatalf("expected stage duration metric headers in export, got:\n%s", out)
	}
}

func TestRecordSearchCall(t *testing.T) {
	RecordSearchCall("searxng", 3)
	RecordSearchCall("searxng", 0)

	out := Export()
	if !strings.Contains(out, `deepresearch_search_calls_total{provider="searxng"}`) {
		t.Fatalf("expected search_calls_total for searxng, got:\n%s", out)
	}
	if !strings.Contains(out, `deepresearch_search_hits_total{provider="searxng"}`) {
		t.Fatalf("expected search_hits_total for searxng, got:\n%s", out)
	}
}

func TestRecordScrape(t *testing.T) {
	RecordScrape(true, 2)
	RecordScrape(false, 0)

	out := Export()
	if !strings.Contains(out, `deepresearch_scrape_attempts_total{outcome="success"}`) {
		t.Fatalf("expected scrape_attempts_total success, got:\n%s", out)
	}
	if !strings.Contains(out, `deepresearch_scrape_attempts_total{outcome="failed"}`) {
		t.Fatalf("expected scrape_attempts_total failed, got:\n%s", out)
	}
	if !strings.Contains(out, "deepresearch_tables_extracted_total") {
		t.Fatalf("expected tables_extracted_total in export, got:\n%s", out)
	}
}

func TestRecordLLMCompletionAndPlannerFallback(t *testing.T) {
	RecordLLMCompletion("openai", "planner", true)
	RecordPlannerFallback("regex")

	out := Export()
	if !strings.Contains(out, `deepresearch_llm_completions_total{provider="openai",stage="planner",success="true"}`) {
		t.Fatalf("expected llm_completions_total for openai/planner, got:\n%s", out)
	}
	if !strings.Contains(out, `deepresearch_planner_fallback_depth_total{depth="regex"}`) {
		t.Fatalf("expected planner_fallback_depth_total for regex, got:\n%s", out)
	}
}
