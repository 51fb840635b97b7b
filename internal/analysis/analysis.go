// Package analysis implements the analysis summarizer (C9): narrates
// the reasoning path from sources to report structure (spec.md §4.7).
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"deepresearch/internal/llm"
	"deepresearch/internal/model"
)

const (
	maxTopSources      = 5
	chunkSampleChars   = 1000
	bagEntrySampleChars = 500
	maxBagEntries      = 5
)

const placeholder = "Analysis is unavailable for this report."

// Summarize produces a four-paragraph narrative over the research
// path that produced artifactBody. It is non-fatal: any LLM failure
// returns a placeholder string instead of an error (spec.md §4.7,
// §4.4 S6).
func Summarize(ctx context.Context, client llm.Client, userQuery string, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag, artifactBody string) string {
	prompt := buildPrompt(userQuery, searchByQuery, scrapeResults, bag, artifactBody)

	summary, err := client.Complete(ctx, llm.CompletionRequest{
		System:      "You narrate the research process in prose. Never cite raw statistics; always explain reasoning.",
		Prompt:      prompt,
		MaxTokens:   800,
		Temperature: 0.6,
		Timeout:     60 * time.Second,
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		return placeholder
	}
	return strings.TrimSpace(summary)
}

func buildPrompt(userQuery string, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag, artifactBody string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER QUERY: %s\n\n", userQuery)

	top := topSources(scrapeResults, maxTopSources)
	if len(top) > 0 {
		b.WriteString("TOP SOURCES CONSULTED:\n")
		for _, r := range top {
			fmt.Fprintf(&b, "- %s (score %.2f): %s\n", r.URL, r.Score, sample(r.BestChunk, chunkSampleChars))
		}
		b.WriteString("\n")
	}

	if entries := bagSamples(bag, maxBagEntries); len(entries) > 0 {
		b.WriteString("EXTRACTED DATA SAMPLES:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	if headings := secondLevelHeadings(artifactBody); len(headings) > 0 {
		fmt.Fprintf(&b, "REPORT STRUCTURE: %s\n\n", strings.Join(headings, " | "))
	}

	b.WriteString(`Write a four-paragraph narrative:
1. Discovery and pattern recognition across the sources above.
2. Synthesis and connections drawn across those sources.
3. The reasoning behind the report's structure.
4. Insights that emerged beyond any single source.

Never mention specific statistics or numbers; always explain the reasoning process itself.`)

	return b.String()
}

// topSources returns up to n scrape results ranked by descending
// score, successful ones only.
func topSources(results []model.ScrapeResult, n int) []model.ScrapeResult {
	var successful []model.ScrapeResult
	for _, r := range results {
		if r.Successful() {
			successful = append(successful, r)
		}
	}
	sort.SliceStable(successful, func(i, j int) bool {
		return successful[i].Score > successful[j].Score
	})
	if len(successful) > n {
		successful = successful[:n]
	}
	return successful
}

func sample(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// bagSamples renders up to n top-level data-bag entries as "key: value"
// strings, each value sliced to bagEntrySampleChars.
func bagSamples(bag model.DataBag, n int) []string {
	if len(bag) == 0 {
		return nil
	}

	keys := make([]string, 0, len(bag))
	for k := range bag {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > n {
		keys = keys[:n]
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		valueJSON, err := json.Marshal(bag[k])
		if err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", k, sample(string(valueJSON), bagEntrySampleChars)))
	}
	return out
}

var secondLevelHeadingRe = regexp.MustCompile(`(?m)^##\s+(.+)$`)

// secondLevelHeadings extracts every "## " markdown heading from the
// generated artifact body (spec.md §4.7).
func secondLevelHeadings(body string) []string {
	matches := secondLevelHeadingRe.FindAllStringSubmatch(body, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}
