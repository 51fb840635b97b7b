// Package extractor implements the data extractor (C7): fuses search
// snippets and scraped chunks/tables into a typed, schemaless data bag
// (spec.md §4.5).
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"deepresearch/internal/llm"
	"deepresearch/internal/model"
)

const (
	chunkTruncateChars = 2000
	tableTruncateChars = 1000
	maxTablesPerResult  = 3
)

// Extract fuses search_results_by_query and scrape_results into a
// DataBag (spec.md §4.5). It never returns an error: any LLM or parse
// failure yields an empty bag, and the pipeline proceeds with whatever
// partial data exists (spec.md §4.4 S4).
func Extract(ctx context.Context, client llm.Client, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, dataTypes []string, userQuery string) model.DataBag {
	prompt := buildPrompt(searchByQuery, scrapeResults, dataTypes, userQuery)

	raw, err := client.Complete(ctx, llm.CompletionRequest{
		System:      "You extract structured data from research context and return ONLY valid JSON.",
		Prompt:      prompt,
		MaxTokens:   2000,
		Temperature: 0.2,
		Timeout:     90 * time.Second,
		JSONMode:    true,
	})
	if err != nil {
		return model.DataBag{}
	}

	cleaned := llm.StripJSONFences(raw)

	var bag model.DataBag
	if err := llm.ExtractJSONObject(cleaned, &bag); err != nil {
		return model.DataBag{}
	}
	if bag == nil {
		return model.DataBag{}
	}
	return bag
}

// buildPrompt assembles the context block: search queries and their
// snippets, followed by each successful scrape's url/score/chunk/
// tables, then the extraction instructions (spec.md §4.5).
func buildPrompt(searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, dataTypes []string, userQuery string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "USER QUERY: %s\n\n", userQuery)

	queries := sortedKeys(searchByQuery)
	if len(queries) > 0 {
		b.WriteString("SEARCH RESULTS:\n")
		for _, q := range queries {
			fmt.Fprintf(&b, "\nQuery: %s\n", q)
			for _, hit := range searchByQuery[q] {
				fmt.Fprintf(&b, "- %s (%s): %s\n", hit.Title, hit.URL, hit.Snippet)
			}
		}
		b.WriteString("\n")
	}

	successful := successfulResults(scrapeResults)
	if len(successful) > 0 {
		b.WriteString("SCRAPED CONTENT:\n")
		for _, r := range successful {
			fmt.Fprintf(&b, "\nSource: %s (relevance score %.2f)\n", r.URL, r.Score)
			fmt.Fprintf(&b, "%s\n", truncate(r.BestChunk, chunkTruncateChars))

			for i, table := range r.Tables {
				if i >= maxTablesPerResult {
					break
				}
				tableJSON, err := json.Marshal(table)
				if err != nil {
					continue
				}
				fmt.Fprintf(&b, "Table: %s\n", truncate(string(tableJSON), tableTruncateChars))
			}
		}
		b.WriteString("\n")
	}

	if len(dataTypes) > 0 {
		fmt.Fprintf(&b, "EXPECTED DATA TYPES: %s\n\n", strings.Join(dataTypes, ", "))
	}

	b.WriteString(`YOUR TASK: Extract concrete values from the context above into a JSON object.

RULES:
1. Extract concrete values: numbers, percentages, dates, names.
2. Normalize all dates to YYYY-MM-DD.
3. Attach source urls to each extracted fact where possible.
4. When the same attribute appears in both a table and a snippet, prefer the table value.
5. Return ONLY a JSON object, no explanations. If nothing can be extracted, return {}.`)

	return b.String()
}

func successfulResults(results []model.ScrapeResult) []model.ScrapeResult {
	var out []model.ScrapeResult
	for _, r := range results {
		if r.Successful() {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys(m map[string][]model.SearchHit) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
