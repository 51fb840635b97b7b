package generator

import (
	"context"
	"strings"
	"testing"

	"deepresearch/internal/llm"
	"deepresearch/internal/model"
)

type fakeClient struct {
	responses []string
	calls     int
}

func (f *fakeClient) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	if f.calls >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func TestGenerateMarkdownAppendsConversationHistory(t *testing.T) {
	client := &fakeClient{responses: []string{"# GDP Report\n\nExecutive summary.\n\n## Key Findings\n- one\n"}}
	history := &model.ConversationHistory{}

	artifact, err := Generate(context.Background(), client, nil, "markdown", false, "gdp trends", nil, nil, nil, history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if artifact.Kind != model.ArtifactMarkdown {
		t.Fatalf("expected markdown artifact, got %q", artifact.Kind)
	}
	if !strings.HasPrefix(artifact.Body, "#") {
		t.Fatalf("expected markdown body to start with a heading, got %q", artifact.Body[:10])
	}
	if len(history.Turns) != 2 {
		t.Fatalf("expected 2 history turns appended, got %d", len(history.Turns))
	}
	if history.Turns[1].Content == artifact.Body {
		t.Fatal("expected assistant turn to be a short summary, not the artifact body")
	}
}

func TestGenerateHTMLWrapsMissingDoctype(t *testing.T) {
	client := &fakeClient{responses: []string{"<body><h1>Report</h1></body>"}}

	artifact, err := Generate(context.Background(), client, nil, "html", false, "weather", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(strings.ToLower(artifact.Body), "<!doctype") {
		t.Fatalf("expected wrapped doctype prefix, got %q", artifact.Body[:20])
	}
}

func TestGenerateHTMLPassesThroughValidDoctype(t *testing.T) {
	client := &fakeClient{responses: []string{"<!DOCTYPE html><html><body>ok</body></html>"}}

	artifact, err := Generate(context.Background(), client, nil, "html", false, "weather", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if artifact.Body != "<!DOCTYPE html><html><body>ok</body></html>" {
		t.Fatalf("expected body passed through unchanged, got %q", artifact.Body)
	}
}

func TestGenerateMarkdownFallsBackToTitleWhenNoHeading(t *testing.T) {
	client := &fakeClient{responses: []string{"Executive summary with no leading heading."}}

	artifact, err := Generate(context.Background(), client, nil, "markdown", false, "cats research", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(artifact.Body, "# cats research") {
		t.Fatalf("expected synthesized title heading, got %q", artifact.Body[:30])
	}
}

func TestGenerateRetriesOnceOnEmptyResponse(t *testing.T) {
	client := &fakeClient{responses: []string{"", "# Retried Report\n"}}

	artifact, err := Generate(context.Background(), client, nil, "markdown", false, "retry test", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", client.calls)
	}
	if !strings.Contains(artifact.Body, "Retried Report") {
		t.Fatalf("expected retried response to be used, got %q", artifact.Body)
	}
}

func TestWriteResearchContextIncludesTablesAndDataBag(t *testing.T) {
	var b strings.Builder
	searchByQuery := map[string][]model.SearchHit{
		"query one": {{Title: "T", URL: "https://example.com", Snippet: "snippet"}},
	}
	scrapeResults := []model.ScrapeResult{
		{URL: "https://example.com/a", Score: 0.8, BestChunk: "chunk text", Tables: []model.Table{{"headers": []string{"h"}}}},
	}
	bag := model.DataBag{"key": "value"}

	writeResearchContext(&b, searchByQuery, scrapeResults, bag)
	out := b.String()

	if !strings.Contains(out, "snippet") {
		t.Fatal("expected search snippet in context")
	}
	if !strings.Contains(out, "chunk text") {
		t.Fatal("expected scrape chunk in context")
	}
	if !strings.Contains(out, `"key":"value"`) && !strings.Contains(out, `"key": "value"`) {
		t.Fatalf("expected data bag JSON in context, got %q", out)
	}
}

func TestExtractHeadingsRespectsLimit(t *testing.T) {
	headings := extractHeadings("# Title\n\n## Section One\n\n## Section Two\n", 1)
	if len(headings) != 1 || headings[0] != "Title" {
		t.Fatalf("expected [Title], got %v", headings)
	}
}

func TestWarnIfDisallowedChartLibraryIgnoresCleanBody(t *testing.T) {
	// A body naming no disallowed library never touches the logger, so
	// the call must not panic even with a nil logger.
	warnIfDisallowedChartLibrary(nil, "no charts here")
}
