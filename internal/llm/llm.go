// Package llm provides a general-purpose text-completion client over
// three raw-HTTP provider backends (OpenAI, Anthropic, Google), used by
// the planner (C6), extractor (C7), generator (C8), and analysis (C9)
// stages. It deliberately avoids vendor SDKs in favor of small request/
// response structs per provider, matching the teacher's style.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deepresearch/internal/config"
)

// Provider identifies which backend a Client talks to.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// CompletionRequest is a plain text-in/text-out completion request.
// Every pipeline stage that needs an LLM call builds one of these; none
// of them depend on a provider-specific wire shape.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	JSONMode    bool // hint: ask the provider for a JSON-only response when supported
}

// Client is the abstraction every pipeline stage depends on.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// StripJSONFences removes a leading/trailing markdown code fence
// (``` or ```json) from an LLM response, the first step of the parse
// pipeline used by the planner and extractor (spec.md §4.3 step 1).
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = s[len("```json"):]
	} else if strings.HasPrefix(s, "```") {
		s = s[len("```"):]
	}
	if strings.HasSuffix(s, "```") {
		s = s[:len(s)-len("```")]
	}
	return strings.TrimSpace(s)
}

// ExtractJSONObject pulls a JSON object out of free text: it tries the
// whole string first, then falls back to the substring between the
// first '{' and the last '}'. Used wherever a prompt asked for
// JSON-only output but the provider wrapped it in prose anyway.
func ExtractJSONObject(content string, out any) error {
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return errors.New("no JSON object found in content")
	}

	return json.Unmarshal([]byte(content[start:end+1]), out)
}

// NewClientFromConfig constructs a Client based on configuration and an
// optional per-call provider override.
func NewClientFromConfig(cfg *config.Config, providerOverride string) (Client, Provider, error) {
	providerName := cfg.LLM.DefaultProvider
	if providerOverride != "" {
		providerName = providerOverride
	}

	prov := Provider(providerName)

	switch prov {
	case ProviderOpenAI:
		c := cfg.LLM.OpenAI
		if c.APIKey == "" || c.Model == "" {
			return nil, prov, errors.New("openai llm provider is not fully configured")
		}
		return &openAIClient{apiKey: c.APIKey, baseURL: c.BaseURL, model: c.Model, http: &http.Client{Timeout: 90 * time.Second}}, prov, nil
	case ProviderAnthropic:
		c := cfg.LLM.Anthropic
		if c.APIKey == "" || c.Model == "" {
			return nil, prov, errors.New("anthropic llm provider is not fully configured")
		}
		return &anthropicClient{apiKey: c.APIKey, model: c.Model, http: &http.Client{Timeout: 90 * time.Second}}, prov, nil
	case ProviderGoogle:
		c := cfg.LLM.Google
		if c.APIKey == "" || c.Model == "" {
			return nil, prov, errors.New("google llm provider is not fully configured")
		}
		return &googleClient{apiKey: c.APIKey, model: c.Model, http: &http.Client{Timeout: 90 * time.Second}}, prov, nil
	default:
		return nil, prov, fmt.Errorf("unsupported llm provider: %s", providerName)
	}
}

type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

type anthropicClient struct {
	apiKey string
	model  string
	http   *http.Client
}

type googleClient struct {
	apiKey string
	model  string
	http   *http.Client
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIChatMessage   `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicTextContent `json:"content"`
}

type anthropicTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessagesResponse struct {
	Content []anthropicTextContent `json:"content"`
}

type googleGenerateContentRequest struct {
	Contents          []googleContent          `json:"contents"`
	GenerationConfig  *googleGenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *googleContent           `json:"systemInstruction,omitempty"`
}

type googleGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text,omitempty"`
}

type googleGenerateContentResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 90 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func (c *openAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	var messages []openAIChatMessage
	if req.System != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: req.Prompt})

	body := openAIChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	endpoint += "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("openai chat completion failed with status %d", resp.StatusCode)
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("openai chat completion returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

func (c *anthropicClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	body := anthropicMessagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicTextContent{{Type: "text", Text: req.Prompt}}},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("anthropic messages request failed with status %d", resp.StatusCode)
	}

	var parsed anthropicMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Content) == 0 {
		return "", errors.New("anthropic messages returned no content")
	}

	return parsed.Content[0].Text, nil
}

func (c *googleClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	body := googleGenerateContentRequest{
		Contents: []googleContent{{Parts: []googlePart{{Text: req.Prompt}}}},
		GenerationConfig: &googleGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.System}}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", c.model, url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("google generateContent failed with status %d", resp.StatusCode)
	}

	var parsed googleGenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("google generateContent returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
