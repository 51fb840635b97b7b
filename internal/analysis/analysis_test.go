package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"deepresearch/internal/llm"
	"deepresearch/internal/model"
)

type fakeClient struct {
	response string
	err      error
}

func (f *fakeClient) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestSummarizeReturnsLLMNarrative(t *testing.T) {
	client := &fakeClient{response: "The research began by surveying several sources..."}

	summary := Summarize(context.Background(), client, "gdp growth", nil, nil, nil, "# Report")

	if summary != "The research began by surveying several sources..." {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestSummarizeReturnsPlaceholderOnError(t *testing.T) {
	client := &fakeClient{err: errors.New("provider down")}

	summary := Summarize(context.Background(), client, "gdp growth", nil, nil, nil, "# Report")

	if summary != placeholder {
		t.Fatalf("expected placeholder, got %q", summary)
	}
}

func TestSummarizeReturnsPlaceholderOnEmptyResponse(t *testing.T) {
	client := &fakeClient{response: "   "}

	summary := Summarize(context.Background(), client, "gdp growth", nil, nil, nil, "# Report")

	if summary != placeholder {
		t.Fatalf("expected placeholder on blank response, got %q", summary)
	}
}

func TestTopSourcesRanksByScoreDescending(t *testing.T) {
	results := []model.ScrapeResult{
		{URL: "a", BestChunk: "chunk", Score: 0.3},
		{URL: "b", BestChunk: "chunk", Score: 0.9},
		{URL: "c", BestChunk: "", Score: 0.99}, // unsuccessful: no chunk
		{URL: "d", BestChunk: "chunk", Score: 0.6},
	}

	top := topSources(results, 2)

	if len(top) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(top))
	}
	if top[0].URL != "b" || top[1].URL != "d" {
		t.Fatalf("expected [b, d] ranked by score, got %v", []string{top[0].URL, top[1].URL})
	}
}

func TestBagSamplesTruncatesLongValues(t *testing.T) {
	bag := model.DataBag{"summary": strings.Repeat("x", bagEntrySampleChars+100)}

	samples := bagSamples(bag, maxBagEntries)

	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if len(samples[0]) > bagEntrySampleChars+len("summary: ")+2 {
		t.Fatalf("expected sample truncated near limit, got length %d", len(samples[0]))
	}
}

func TestSecondLevelHeadingsExtractsOnlyH2(t *testing.T) {
	body := "# Title\n\n## Findings\n\nsome text\n\n### Detail\n\n## Conclusions\n"

	headings := secondLevelHeadings(body)

	if len(headings) != 2 || headings[0] != "Findings" || headings[1] != "Conclusions" {
		t.Fatalf("expected [Findings, Conclusions], got %v", headings)
	}
}

func TestBuildPromptIncludesNoStatisticsInstruction(t *testing.T) {
	prompt := buildPrompt("query", nil, nil, nil, "# Report")
	if !strings.Contains(prompt, "Never mention specific statistics") {
		t.Fatal("expected the no-raw-statistics instruction in the prompt")
	}
}
