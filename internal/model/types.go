// Package model holds the data types shared across the orchestration
// pipeline: jobs, research plans, search and scrape results, generated
// artifacts, progress events, and conversation history.
package model

import "encoding/json"

// JobStatus is the lifecycle state of a Job, owned by the persistence
// tier. The pipeline executor only reads it; it never writes it
// directly, since persistence is an external collaborator.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is the externally-persisted record for one research run.
type Job struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Query          string          `json:"query"`
	History        json.RawMessage `json:"history,omitempty"`
	Status         JobStatus       `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

// ResearchPlan is the structured output of the query planner (C6).
//
// Invariant: when WebSearchNeeded is false, SearchQueries must be empty.
type ResearchPlan struct {
	WebSearchNeeded      bool     `json:"web_search_needed"`
	SearchQueries        []string `json:"search_queries"`
	DataExtractionNeeded bool     `json:"data_extraction_needed"`
	DataTypes            []string `json:"data_types"`
}

// SearchHit is a single search-provider result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Table is a row-major JSON object preserved verbatim from the scraper.
// The orchestrator treats it as opaque structured data.
type Table map[string]any

// ScrapeResult is the per-url evidence returned by the scrape tier.
//
// A result is successful iff Error is empty and BestChunk is non-empty.
type ScrapeResult struct {
	URL         string  `json:"url"`
	BestChunk   string  `json:"best_chunk"`
	Score       float64 `json:"score"`
	ChunkIndex  int     `json:"chunk_index"`
	TotalChunks int     `json:"total_chunks"`
	WordCount   int     `json:"word_count"`
	Tables      []Table `json:"tables"`
	TablesCount int     `json:"tables_count"`
	Error       string  `json:"error,omitempty"`
}

// Successful reports whether this result carries usable evidence.
func (r ScrapeResult) Successful() bool {
	return r.Error == "" && r.BestChunk != ""
}

// ScrapeStatistics is the aggregate envelope accompanying a scrape
// batch (spec.md §6, SPEC_FULL.md §C.4).
type ScrapeStatistics struct {
	URLsRequested         int     `json:"urls_requested"`
	SuccessfulScrapes     int     `json:"successful_scrapes"`
	FailedScrapes         int     `json:"failed_scrapes"`
	AverageRelevanceScore float64 `json:"average_relevance_score"`
	TotalTablesFound      int     `json:"total_tables_found"`
}

// ScrapeTiming breaks down a scrape batch's wall-clock cost.
type ScrapeTiming struct {
	ScrapeSeconds     float64 `json:"scrape_seconds"`
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// ScrapeEnvelope is the full wire shape a scrape worker returns.
// Consumers must also accept the legacy bare-list and {results:[...]}
// shapes; see internal/orchestrator's NormalizeScrapeResults.
type ScrapeEnvelope struct {
	OK                  bool             `json:"ok"`
	Query               string           `json:"query"`
	TotalDurationSecond float64          `json:"total_duration_seconds"`
	Timing              ScrapeTiming     `json:"timing"`
	Statistics          ScrapeStatistics `json:"statistics"`
	Results             []ScrapeResult   `json:"results"`
}

// DataBag is the opaque, schemaless JSON synthesized by the data
// extractor (C7). Its only invariants are that it parses as JSON and
// that its top-level keys are stable strings. Access to the
// plan-shaped fields goes through ResearchPlan instead; DataBag has no
// typed façade of its own because, unlike ResearchPlan, it carries no
// fixed field set.
type DataBag map[string]any

// ArtifactKind distinguishes the two generator output modes.
type ArtifactKind string

const (
	ArtifactMarkdown ArtifactKind = "markdown"
	ArtifactHTML     ArtifactKind = "html"
)

// Artifact is the tagged-variant final report produced by the
// generator (C8).
type Artifact struct {
	Kind ArtifactKind `json:"kind"`
	Body string       `json:"body"`
}

// ProgressEventType enumerates the closed set of progress event kinds
// a pipeline executor may publish (spec.md §3, §9 redesign note).
type ProgressEventType string

const (
	EventReasoning      ProgressEventType = "reasoning"
	EventSources        ProgressEventType = "sources"
	EventHTML           ProgressEventType = "html"
	EventMarkdown       ProgressEventType = "markdown"
	EventAnalysisSummary ProgressEventType = "analysis_summary"
	EventComplete       ProgressEventType = "complete"
	EventError          ProgressEventType = "error"
	EventDone           ProgressEventType = "done"
)

// SourcesPayload is the content of a `sources` ProgressEvent.
type SourcesPayload struct {
	TransformedQuery string   `json:"transformed_query"`
	URLs             []string `json:"urls"`
}

// CompletePayload is the content of a `complete` ProgressEvent, and
// also the exit contract's final payload shape (spec.md §6).
type CompletePayload struct {
	ConversationID  string     `json:"conversation_id"`
	Content         string     `json:"content"`
	Sources         [][]string `json:"sources"`
	ReasoningSteps  []string   `json:"reasoning_steps"`
	Assets          []string   `json:"assets"`
	App             string     `json:"app"`
	LabMode         bool       `json:"lab_mode"`
}

// ErrorPayload is the content of an `error` ProgressEvent.
type ErrorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// ProgressEvent is the closed tagged variant broadcast on the progress
// bus. Content is the event's free-form payload (string for reasoning/
// html/markdown/analysis_summary, a typed struct marshaled to
// json.RawMessage for sources/complete/error, absent for done); Extra
// carries any
// additional keys a specific event type needs without widening Content.
type ProgressEvent struct {
	Type    ProgressEventType `json:"type"`
	Content json.RawMessage   `json:"content,omitempty"`
	Extra   map[string]any    `json:"-"`
}

// MarshalJSON flattens Extra alongside Type/Content so that unknown
// future keys survive a round trip without a bespoke struct per kind.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	if len(e.Content) > 0 {
		var raw any
		if err := json.Unmarshal(e.Content, &raw); err == nil {
			out["content"] = raw
		}
	}
	for k, v := range e.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any object carrying at least a "type" field;
// subscribers must tolerate unknown type values per spec.md §4.1.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"]; ok {
		_ = json.Unmarshal(t, &e.Type)
	}
	if c, ok := raw["content"]; ok {
		e.Content = c
	}
	e.Extra = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "type" || k == "content" {
			continue
		}
		var val any
		_ = json.Unmarshal(v, &val)
		e.Extra[k] = val
	}
	return nil
}

// ConversationTurn is one entry of a ConversationHistory.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationHistory is the ordered sequence of prior turns. The
// generator enforces the history-compression invariant: every
// assistant turn appended here is a short summary, never an artifact
// body (spec.md §3, §9).
type ConversationHistory struct {
	Turns []ConversationTurn `json:"turns"`
}

// Append adds a user/assistant turn pair, growing history by exactly
// two entries (spec.md §8 invariant 8).
func (h *ConversationHistory) Append(userContent, assistantSummary string) {
	h.Turns = append(h.Turns,
		ConversationTurn{Role: "user", Content: userContent},
		ConversationTurn{Role: "assistant", Content: assistantSummary},
	)
}

// PriorQueries returns up to n most recent user-turn contents, oldest
// first, for feeding the planner's context window (SPEC_FULL.md §C.1).
func (h *ConversationHistory) PriorQueries(n int) []string {
	var queries []string
	for _, t := range h.Turns {
		if t.Role == "user" {
			queries = append(queries, t.Content)
		}
	}
	if len(queries) > n {
		queries = queries[len(queries)-n:]
	}
	return queries
}
