// Package generator implements the artifact generator (C8): renders
// the final Markdown report or self-contained HTML application from a
// job's search results, scrape results, and data bag (spec.md §4.6).
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"deepresearch/internal/llm"
	"deepresearch/internal/model"
)

// disallowedChartLibraries is the small disallow-list the HTML
// renderer checks post hoc (spec.md §4.6): runtime charting libraries
// are forbidden since visualizations must be inline SVG.
var disallowedChartLibraries = []string{
	"chart.js", "d3.js", "d3.min.js", "highcharts", "plotly", "apexcharts", "echarts",
}

const maxGenerationRetries = 1

// Generate renders an Artifact in the given mode and appends a
// user/assistant turn pair to history (spec.md §4.6 common contract).
// The assistant turn is always a short summary, never the artifact
// body, to keep multi-turn context bounded. labMode only ever swaps
// the HTML generator's system prompt (SPEC_FULL.md §C.3); it never
// changes the pipeline shape or the markdown mode's prompt.
func Generate(ctx context.Context, client llm.Client, logger *slog.Logger, mode string, labMode bool, userQuery string, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag, history *model.ConversationHistory) (model.Artifact, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = &model.ConversationHistory{}
	}

	var artifact model.Artifact
	var err error

	switch mode {
	case "html":
		artifact, err = generateHTML(ctx, client, logger, labMode, userQuery, searchByQuery, scrapeResults, bag)
	default:
		artifact, err = generateMarkdown(ctx, client, userQuery, searchByQuery, scrapeResults, bag)
	}
	if err != nil {
		return model.Artifact{}, err
	}

	history.Append(userQuery, summarizeForHistory(artifact))
	return artifact, nil
}

func summarizeForHistory(artifact model.Artifact) string {
	for _, heading := range extractHeadings(artifact.Body, 1) {
		return fmt.Sprintf("Produced a %s report: %s", artifact.Kind, heading)
	}
	return fmt.Sprintf("Produced a %s report.", artifact.Kind)
}

func generateMarkdown(ctx context.Context, client llm.Client, userQuery string, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag) (model.Artifact, error) {
	prompt := markdownPrompt(userQuery, searchByQuery, scrapeResults, bag)

	body, err := completeWithRetry(ctx, client, markdownSystemPrompt, prompt, 4000, 0.5)
	if err != nil {
		return model.Artifact{}, err
	}

	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "#") {
		body = "# " + strings.TrimSpace(userQuery) + "\n\n" + body
	}

	return model.Artifact{Kind: model.ArtifactMarkdown, Body: body}, nil
}

const markdownSystemPrompt = "You write complete Markdown research reports. Never use ellipses or phrases like 'additional rows omitted' — every table row in the provided data must appear in full."

func markdownPrompt(userQuery string, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER QUERY: %s\n\n", userQuery)
	writeResearchContext(&b, searchByQuery, scrapeResults, bag)

	b.WriteString(`
Write a complete Markdown report with exactly this section order:
1. A title (H1).
2. Executive summary paragraph.
3. Key findings as bullet points.
4. One block per dataset found above: an overview paragraph, a full Markdown table containing every row from the source data, and an analysis paragraph.
5. Additional insights.
6. Conclusions.
7. A "Sources" section listing every source url above as a clickable Markdown link.

Every table row supplied in the data above must appear in the output table — never omit, truncate, or summarize rows away.`)

	return b.String()
}

func generateHTML(ctx context.Context, client llm.Client, logger *slog.Logger, labMode bool, userQuery string, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag) (model.Artifact, error) {
	prompt := htmlPrompt(userQuery, searchByQuery, scrapeResults, bag)

	system := htmlSystemPrompt
	if labMode {
		system = htmlLabModeSystemPrompt
	}

	body, err := completeWithRetry(ctx, client, system, prompt, 6000, 0.4)
	if err != nil {
		return model.Artifact{}, err
	}

	body = ensureHTMLPrefix(strings.TrimSpace(body))
	warnIfDisallowedChartLibrary(logger, body)

	return model.Artifact{Kind: model.ArtifactHTML, Body: body}, nil
}

const htmlSystemPrompt = "You build complete, self-contained single-file HTML reports. All styling lives in one <style> block. No external scripts or stylesheets. Every chart or visualization is inline SVG — never a JavaScript charting library."

// htmlLabModeSystemPrompt is the lab-mode variant (SPEC_FULL.md §C.3):
// it swaps only the HTML generator's system prompt toward a more
// exploratory, dashboard-style layout, never the pipeline shape.
const htmlLabModeSystemPrompt = "You build complete, self-contained single-file HTML lab reports: treat the page as an interactive-feeling dashboard, favoring a dense grid of stat tiles and inline SVG charts over prose. All styling lives in one <style> block. No external scripts or stylesheets. Every chart or visualization is inline SVG — never a JavaScript charting library."

func htmlPrompt(userQuery string, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER QUERY: %s\n\n", userQuery)
	writeResearchContext(&b, searchByQuery, scrapeResults, bag)

	b.WriteString(`
Produce a complete, self-contained HTML document: a doctype, an html element with head and body, all CSS inside one <style> block in the head, no external script or link tags. Render every chart or visualization as inline SVG (svg, rect, circle, line, polyline, path, text, g elements) — never load a JavaScript charting library.`)

	return b.String()
}

// ensureHTMLPrefix verifies the renderer's output begins with a
// doctype or html open tag, wrapping it if not (spec.md §4.6).
func ensureHTMLPrefix(body string) string {
	lower := strings.ToLower(strings.TrimSpace(body))
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return body
	}
	return fmt.Sprintf("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>\n%s\n</body>\n</html>", body)
}

// warnIfDisallowedChartLibrary logs a warning if the output mentions
// any of the disallowed charting libraries (spec.md §4.6).
func warnIfDisallowedChartLibrary(logger *slog.Logger, body string) {
	lower := strings.ToLower(body)
	for _, lib := range disallowedChartLibraries {
		if strings.Contains(lower, lib) {
			logger.Warn("html_artifact_contains_disallowed_chart_library", "library", lib)
		}
	}
}

// completeWithRetry issues the completion and retries at most once on
// structural parse failure — an empty response or a truncated close
// tag — never on semantic quality (spec.md §4.6).
func completeWithRetry(ctx context.Context, client llm.Client, system, prompt string, maxTokens int, temperature float64) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxGenerationRetries; attempt++ {
		body, err := client.Complete(ctx, llm.CompletionRequest{
			System:      system,
			Prompt:      prompt,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Timeout:     120 * time.Second,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if isStructurallyIncomplete(body) {
			lastErr = fmt.Errorf("generator produced a structurally incomplete response")
			continue
		}
		return body, nil
	}
	return "", lastErr
}

// isStructurallyIncomplete is the retry trigger: empty output, or
// output that looks like it was cut off mid open-tag.
func isStructurallyIncomplete(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return true
	}
	if strings.HasSuffix(trimmed, "<") || strings.HasSuffix(trimmed, "</") {
		return true
	}
	return false
}

func writeResearchContext(b *strings.Builder, searchByQuery map[string][]model.SearchHit, scrapeResults []model.ScrapeResult, bag model.DataBag) {
	queries := make([]string, 0, len(searchByQuery))
	for q := range searchByQuery {
		queries = append(queries, q)
	}
	sort.Strings(queries)

	if len(queries) > 0 {
		b.WriteString("SEARCH RESULTS:\n")
		for _, q := range queries {
			fmt.Fprintf(b, "\nQuery: %s\n", q)
			for _, hit := range searchByQuery[q] {
				fmt.Fprintf(b, "- %s (%s): %s\n", hit.Title, hit.URL, hit.Snippet)
			}
		}
		b.WriteString("\n")
	}

	for _, r := range scrapeResults {
		if !r.Successful() {
			continue
		}
		fmt.Fprintf(b, "Source: %s (score %.2f)\n%s\n", r.URL, r.Score, r.BestChunk)
		for _, table := range r.Tables {
			tableJSON, err := json.Marshal(table)
			if err == nil {
				fmt.Fprintf(b, "Table: %s\n", string(tableJSON))
			}
		}
		b.WriteString("\n")
	}

	if len(bag) > 0 {
		bagJSON, err := json.Marshal(bag)
		if err == nil {
			fmt.Fprintf(b, "EXTRACTED DATA: %s\n\n", string(bagJSON))
		}
	}
}

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// extractHeadings returns up to limit markdown heading-line texts of
// any level (# through ######); the generator uses it for the history
// blurb. The analysis summarizer has its own second-level-only helper.
func extractHeadings(body string, limit int) []string {
	matches := headingRe.FindAllStringSubmatch(body, -1)
	var out []string
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
		if len(out) >= limit {
			break
		}
	}
	return out
}
