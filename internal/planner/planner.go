// Package planner implements the query planner (C6): transforms
// (user_query, prior_queries) into a ResearchPlan via an LLM prompt and
// a tolerant multi-stage parse pipeline (spec.md §4.3).
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"deepresearch/internal/llm"
	"deepresearch/internal/metrics"
	"deepresearch/internal/model"
)

const maxPriorQueries = 3 // SPEC_FULL.md §C.1

// Plan builds a ResearchPlan for userQuery given up to the last three
// prior queries. It never returns an error: on total parse failure it
// falls back to the ultimate fallback plan (spec.md §4.3 step 3).
// provider is recorded on the llm-completion metric only; it has no
// bearing on the parse pipeline.
func Plan(ctx context.Context, client llm.Client, provider llm.Provider, userQuery string, priorQueries []string) *model.ResearchPlan {
	if len(priorQueries) > maxPriorQueries {
		priorQueries = priorQueries[len(priorQueries)-maxPriorQueries:]
	}

	prompt := buildPrompt(userQuery, priorQueries)

	raw, err := client.Complete(ctx, llm.CompletionRequest{
		System:      "You analyze user queries and return ONLY valid JSON, no explanations.",
		Prompt:      prompt,
		MaxTokens:   1000,
		Temperature: 0.3,
		Timeout:     90 * time.Second,
		JSONMode:    true,
	})
	if err != nil {
		metrics.RecordLLMCompletion(string(provider), "planner", false)
		metrics.RecordPlannerFallback("ultimate")
		return ultimateFallback(userQuery)
	}
	metrics.RecordLLMCompletion(string(provider), "planner", true)

	plan, depth := parsePlan(raw, userQuery)
	metrics.RecordPlannerFallback(depth)

	normalize(plan)
	scrubYears(plan)
	return plan
}

func buildPrompt(userQuery string, priorQueries []string) string {
	var ctxBlock strings.Builder
	if len(priorQueries) > 0 {
		ctxBlock.WriteString("\n\nPrevious queries in this conversation:\n")
		for i, q := range priorQueries {
			fmt.Fprintf(&ctxBlock, "%d. %s\n", i+1, q)
		}
	}

	now := currentDateStamp()

	return fmt.Sprintf(`Analyze this user query and determine the best search strategy.

Current date: %s

USER QUERY: %q%s

YOUR TASK: Return a JSON object with this EXACT structure:

{
    "web_search_needed": true,
    "search_queries": ["specific search query 1", "specific search query 2"],
    "data_extraction_needed": true,
    "data_types": ["statistics", "comparisons", "trends"]
}

RULES:
1. web_search_needed: true if the query needs current/real-time/latest info, dashboards or trackers, specific dates, statistics, comparisons across entities, news, or geographic data; false for creative or opinion tasks.
2. search_queries: 3-5 specific, targeted search queries (not the original query verbatim), each 3-7 words.
3. data_extraction_needed: true if expecting structured data (numbers, tables, comparisons).
4. data_types: tags describing expected data, e.g. ["statistics", "dates", "names", "prices"].

IMPORTANT:
- Return ONLY valid JSON, no explanations.
- Use double quotes, lowercase true/false, and null (not Python notation).
- If no web search is needed, return an empty search_queries array.

Examples:

Query: "What's the weather in Paris?"
{"web_search_needed": true, "search_queries": ["Paris weather current", "Paris temperature today"], "data_extraction_needed": true, "data_types": ["temperature", "conditions"]}

Query: "Write me a poem about cats"
{"web_search_needed": false, "search_queries": [], "data_extraction_needed": false, "data_types": []}

Now analyze the user's query and return ONLY the JSON:`, now, userQuery, ctxBlock.String())
}

// currentDateStamp stamps the UTC date for the prompt. Callers that
// need determinism for tests should prefer comparing plan shape, not
// this stamp's exact value.
var currentDateStamp = func() string {
	return time.Now().UTC().Format("2006-01-02")
}

type rawPlan struct {
	WebSearchNeeded      any `json:"web_search_needed"`
	SearchQueries        any `json:"search_queries"`
	DataExtractionNeeded any `json:"data_extraction_needed"`
	DataTypes            any `json:"data_types"`
}

// parsePlan runs the full tolerant pipeline: fence stripping ->
// python-literal coercion -> strict JSON -> regex fallback -> ultimate
// fallback (spec.md §4.3 steps 1-3). It returns the plan and which
// depth of the pipeline produced it, for metrics.
func parsePlan(raw, userQuery string) (*model.ResearchPlan, string) {
	cleaned := llm.StripJSONFences(raw)
	cleaned = coercePythonLiterals(cleaned)

	var rp rawPlan
	if err := json.Unmarshal([]byte(cleaned), &rp); err == nil {
		return fromRaw(rp), "strict_json"
	}

	if plan, ok := regexFallback(cleaned); ok {
		return plan, "regex"
	}

	return ultimateFallback(userQuery), "ultimate"
}

// coercePythonLiterals rewrites Python dict/bool/None notation into
// valid JSON (spec.md §4.3 step 2), matching
// _examples/original_source/query_transformer.py's STEP 2 exactly.
func coercePythonLiterals(s string) string {
	s = strings.ReplaceAll(s, "'", `"`)
	s = strings.ReplaceAll(s, "True", "true")
	s = strings.ReplaceAll(s, "False", "false")
	s = strings.ReplaceAll(s, "None", "null")
	return s
}

var (
	webSearchRe    = regexp.MustCompile(`"?web_search_needed"?\s*:\s*(true|false)`)
	queriesBlockRe = regexp.MustCompile(`"?search_queries"?\s*:\s*\[(.*?)\]`)
	queryItemRe    = regexp.MustCompile(`"([^"]*)"`)
	extractBoolRe  = regexp.MustCompile(`"?data_extraction_needed"?\s*:\s*(true|false)`)
)

// regexFallback recovers the boolean and queries list when strict JSON
// parsing fails (spec.md §4.3 step 3).
func regexFallback(s string) (*model.ResearchPlan, bool) {
	webMatch := webSearchRe.FindStringSubmatch(s)
	if webMatch == nil {
		return nil, false
	}

	plan := &model.ResearchPlan{
		WebSearchNeeded: webMatch[1] == "true",
	}

	if qMatch := queriesBlockRe.FindStringSubmatch(s); qMatch != nil {
		for _, item := range queryItemRe.FindAllStringSubmatch(qMatch[1], -1) {
			if item[1] != "" {
				plan.SearchQueries = append(plan.SearchQueries, item[1])
			}
		}
	}

	if extractMatch := extractBoolRe.FindStringSubmatch(s); extractMatch != nil {
		plan.DataExtractionNeeded = extractMatch[1] == "true"
	}

	return plan, true
}

// ultimateFallback is the fallback of last resort (spec.md §4.3 step 3).
func ultimateFallback(userQuery string) *model.ResearchPlan {
	return &model.ResearchPlan{
		WebSearchNeeded: true,
		SearchQueries:   []string{userQuery},
	}
}

func fromRaw(rp rawPlan) *model.ResearchPlan {
	plan := &model.ResearchPlan{}
	plan.WebSearchNeeded = asBool(rp.WebSearchNeeded)
	plan.DataExtractionNeeded = asBool(rp.DataExtractionNeeded)
	plan.SearchQueries = asStringList(rp.SearchQueries)
	plan.DataTypes = asStringList(rp.DataTypes)
	return plan
}

// asBool normalizes JSON booleans, and the "true"/"false" strings the
// LLM sometimes emits instead (spec.md §4.3 step 4).
func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

// asStringList normalizes a scalar query into a singleton list and
// drops empty-string entries (spec.md §4.3 step 4).
func asStringList(v any) []string {
	switch t := v.(type) {
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

// normalize enforces the invariant that web_search_needed=false implies
// an empty search_queries list (spec.md §3).
func normalize(plan *model.ResearchPlan) {
	if !plan.WebSearchNeeded {
		plan.SearchQueries = nil
	}
}

var (
	temporalWords = map[string]bool{
		"today": true, "this year": true, "this month": true, "currently": true, "now": true,
	}
	staleYearRe = regexp.MustCompile(`\b(202[0-4])\b`)
	yearRangeRe = regexp.MustCompile(`\b(19|20)\d{2}\s*[-–—]\s*(19|20)\d{2}\b`)
)

// scrubYears replaces temporal keywords with the current year and
// excises stale 2020-2024 year literals unless they are part of an
// explicit multi-year range (spec.md §4.3 step 5, §8 invariant 6).
func scrubYears(plan *model.ResearchPlan) {
	year := strconv.Itoa(time.Now().UTC().Year())

	for i, q := range plan.SearchQueries {
		lower := strings.ToLower(q)
		for word := range temporalWords {
			if strings.Contains(lower, word) {
				q = replaceCaseInsensitive(q, word, year)
				lower = strings.ToLower(q)
			}
		}

		ranges := yearRangeRe.FindAllString(q, -1)
		var scrubbed strings.Builder
		for j, part := range yearRangeRe.Split(q, -1) {
			scrubbed.WriteString(staleYearRe.ReplaceAllString(part, ""))
			if j < len(ranges) {
				scrubbed.WriteString(ranges[j])
			}
		}
		q = strings.Join(strings.Fields(scrubbed.String()), " ")

		plan.SearchQueries[i] = q
	}
}

func replaceCaseInsensitive(s, old, new string) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(old) + `\b`)
	return re.ReplaceAllString(s, new)
}
