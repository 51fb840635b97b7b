// Package metrics exposes minimal in-memory Prometheus-text-format
// counters for the orchestration pipeline. As in the teacher, this is
// intentionally hand-rolled rather than built on the official
// Prometheus client library.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	mu sync.RWMutex

	stageRunsTotal  = make(map[stageKey]int64)
	stageDurationMs = make(map[stageKey]int64)

	searchCallsTotal  = make(map[string]int64)
	searchHitsTotal   = make(map[string]int64)

	scrapeAttemptsTotal = make(map[string]int64) // key: "success"/"failed"
	tablesExtractedTotal int64

	llmCompletionsTotal = make(map[llmKey]int64)

	plannerFallbackDepthTotal = make(map[string]int64) // key: "strict_json"/"regex"/"ultimate"
)

type stageKey struct {
	Stage  string
	Status string
}

type llmKey struct {
	Provider string
	Stage    string
	Success  string
}

// RecordStage records one stage's terminal disposition and duration.
func RecordStage(stage, status string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()
	k := stageKey{Stage: stage, Status: status}
	stageRunsTotal[k]++
	stageDurationMs[k] += durationMs
}

// RecordSearchCall records one search-provider call and how many hits
// it returned.
func RecordSearchCall(provider string, hits int) {
	mu.Lock()
	defer mu.Unlock()
	searchCallsTotal[provider]++
	if hits > 0 {
		searchHitsTotal[provider] += int64(hits)
	}
}

// RecordScrape records one url's scrape outcome and any tables found.
func RecordScrape(success bool, tablesFound int) {
	mu.Lock()
	defer mu.Unlock()
	if success {
		scrapeAttemptsTotal["success"]++
	} else {
		scrapeAttemptsTotal["failed"]++
	}
	tablesExtractedTotal += int64(tablesFound)
}

// RecordLLMCompletion records one LLM call keyed by provider, pipeline
// stage, and success.
func RecordLLMCompletion(provider, stage string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	s := "false"
	if success {
		s = "true"
	}
	llmCompletionsTotal[llmKey{Provider: provider, Stage: stage, Success: s}]++
}

// RecordPlannerFallback records which parse stage the planner's plan
// ultimately succeeded at (strict_json, regex, or ultimate).
func RecordPlannerFallback(depth string) {
	mu.Lock()
	defer mu.Unlock()
	plannerFallbackDepthTotal[depth]++
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP deepresearch_stage_runs_total Total pipeline stage runs by status\n")
	b.WriteString("# TYPE deepresearch_stage_runs_total counter\n")
	var stageKeys []stageKey
	for k := range stageRunsTotal {
		stageKeys = append(stageKeys, k)
	}
	sort.Slice(stageKeys, func(i, j int) bool {
		if stageKeys[i].Stage != stageKeys[j].Stage {
			return stageKeys[i].Stage < stageKeys[j].Stage
		}
		return stageKeys[i].Status < stageKeys[j].Status
	})
	for _, k := range stageKeys {
		fmt.Fprintf(&b, "deepresearch_stage_runs_total{stage=\"%s\",status=\"%s\"} %d\n", k.Stage, k.Status, stageRunsTotal[k])
	}

	b.WriteString("# HELP deepresearch_stage_duration_ms_sum Total stage duration in milliseconds\n")
	b.WriteString("# TYPE deepresearch_stage_duration_ms_sum counter\n")
	for _, k := range stageKeys {
		fmt.Fprintf(&b, "deepresearch_stage_duration_ms_sum{stage=\"%s\",status=\"%s\"} %d\n", k.Stage, k.Status, stageDurationMs[k])
	}

	b.WriteString("# HELP deepresearch_search_calls_total Total search-provider calls\n")
	b.WriteString("# TYPE deepresearch_search_calls_total counter\n")
	var providers []string
	for p := range searchCallsTotal {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Fprintf(&b, "deepresearch_search_calls_total{provider=\"%s\"} %d\n", p, searchCallsTotal[p])
	}

	b.WriteString("# HELP deepresearch_search_hits_total Total search hits returned\n")
	b.WriteString("# TYPE deepresearch_search_hits_total counter\n")
	var hitProviders []string
	for p := range searchHitsTotal {
		hitProviders = append(hitProviders, p)
	}
	sort.Strings(hitProviders)
	for _, p := range hitProviders {
		fmt.Fprintf(&b, "deepresearch_search_hits_total{provider=\"%s\"} %d\n", p, searchHitsTotal[p])
	}

	b.WriteString("# HELP deepresearch_scrape_attempts_total Total scrape attempts by outcome\n")
	b.WriteString("# TYPE deepresearch_scrape_attempts_total counter\n")
	var outcomes []string
	for o := range scrapeAttemptsTotal {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(&b, "deepresearch_scrape_attempts_total{outcome=\"%s\"} %d\n", o, scrapeAttemptsTotal[o])
	}

	b.WriteString("# HELP deepresearch_tables_extracted_total Total tables extracted across all scrapes\n")
	b.WriteString("# TYPE deepresearch_tables_extracted_total counter\n")
	fmt.Fprintf(&b, "deepresearch_tables_extracted_total %d\n", tablesExtractedTotal)

	b.WriteString("# HELP deepresearch_llm_completions_total Total LLM completions by provider, stage, and success\n")
	b.WriteString("# TYPE deepresearch_llm_completions_total counter\n")
	var llmKeys []llmKey
	for k := range llmCompletionsTotal {
		llmKeys = append(llmKeys, k)
	}
	sort.Slice(llmKeys, func(i, j int) bool {
		if llmKeys[i].Provider != llmKeys[j].Provider {
			return llmKeys[i].Provider < llmKeys[j].Provider
		}
		if llmKeys[i].Stage != llmKeys[j].Stage {
			return llmKeys[i].Stage < llmKeys[j].Stage
		}
		return llmKeys[i].Success < llmKeys[j].Success
	})
	for _, k := range llmKeys {
		fmt.Fprintf(&b, "deepresearch_llm_completions_total{provider=\"%s\",stage=\"%s\",success=\"%s\"} %d\n",
			k.Provider, k.Stage, k.Success, llmCompletionsTotal[k])
	}

	b.WriteString("# HELP deepresearch_planner_fallback_depth_total Total plans resolved at each parse-pipeline depth\n")
	b.WriteString("# TYPE deepresearch_planner_fallback_depth_total counter\n")
	var depths []string
	for d := range plannerFallbackDepthTotal {
		depths = append(depths, d)
	}
	sort.Strings(depths)
	for _, d := range depths {
		fmt.Fprintf(&b, "deepresearch_planner_fallback_depth_total{depth=\"%s\"} %d\n", d, plannerFallbackDepthTotal[d])
	}

	return b.String()
}
