package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RedisConfig addresses the redis instance backing both the progress
// bus (C1) and the task broker (C2).
type RedisConfig struct {
	URL string `yaml:"url"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type GoogleLLMConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type LLMConfig struct {
	DefaultProvider string          `yaml:"defaultProvider"`
	OpenAI          OpenAIConfig    `yaml:"openai"`
	Anthropic       AnthropicConfig `yaml:"anthropic"`
	Google          GoogleLLMConfig `yaml:"google"`
}

// SearxngConfig holds provider-specific configuration for SearxNG.
type SearxngConfig struct {
	BaseURL      string `yaml:"baseURL"`
	DefaultLimit int    `yaml:"defaultLimit"`
	TimeoutMs    int    `yaml:"timeoutMs"`
}

// SearchConfig controls the search provider used by S2.
type SearchConfig struct {
	Provider string        `yaml:"provider"`
	Searxng  SearxngConfig `yaml:"searxng"`
}

// RobotsConfig controls whether the reference scrape engine honors
// robots.txt before fetching a url.
type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

// RodConfig gates the optional headless-browser scrape engine.
type RodConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ScrapeConfig tunes the reference scrape engine (C4).
type ScrapeConfig struct {
	Enabled       bool         `yaml:"enabled"`
	UserAgent     string       `yaml:"userAgent"`
	TimeoutMs     int          `yaml:"timeoutMs"`
	ChunkSize     int          `yaml:"chunkSize"`
	Concurrency   int          `yaml:"concurrency"`
	MaxURLsPerJob int          `yaml:"maxUrlsPerJob"`
	Robots        RobotsConfig `yaml:"robots"`
	Rod           RodConfig    `yaml:"rod"`
}

// PlannerConfig tunes the query planner (C6).
type PlannerConfig struct {
	MaxSearchQueries int `yaml:"maxSearchQueries"`
}

// GeneratorConfig selects the artifact generator's mode (C8).
type GeneratorConfig struct {
	Mode    string `yaml:"mode"` // "markdown" or "html"
	LabMode bool   `yaml:"labMode"`
}

// QueueTimeoutConfig carries the soft/hard timeout pair for one queue
// (spec.md §4.2).
type QueueTimeoutConfig struct {
	SoftSeconds int `yaml:"softSeconds"`
	HardSeconds int `yaml:"hardSeconds"`
}

// RetryConfig carries the per-queue retry/backoff policy (spec.md §4.2).
type RetryConfig struct {
	MaxRetries     int `yaml:"maxRetries"`
	BackoffSeconds int `yaml:"backoffSeconds"`
}

// WorkerConfig tunes the broker consumer loop in cmd/research-worker.
type WorkerConfig struct {
	PollIntervalMs      int                           `yaml:"pollIntervalMs"`
	MaxConcurrentJobs   int                           `yaml:"maxConcurrentJobs"`
	QueueTimeouts       map[string]QueueTimeoutConfig `yaml:"queueTimeouts"`
	Retry               map[string]RetryConfig        `yaml:"retry"`
	ScrapeResultTimeoutS int                          `yaml:"scrapeResultTimeoutSeconds"`
}

type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	Planner   PlannerConfig   `yaml:"planner"`
	Generator GeneratorConfig `yaml:"generator"`
	Worker    WorkerConfig    `yaml:"worker"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in zero-value fields with the defaults named in
// spec.md §6, matching the teacher's convention of resolving fallbacks
// once at load/validate time rather than scattering them through hot
// paths.
func (cfg *Config) applyDefaults() {
	if cfg.Planner.MaxSearchQueries == 0 {
		cfg.Planner.MaxSearchQueries = 5
	}
	if cfg.Scrape.MaxURLsPerJob == 0 {
		cfg.Scrape.MaxURLsPerJob = 5
	}
	if cfg.Scrape.TimeoutMs == 0 {
		cfg.Scrape.TimeoutMs = 600_000
	}
	if cfg.Scrape.ChunkSize == 0 {
		cfg.Scrape.ChunkSize = 400
	}
	if cfg.Scrape.Concurrency == 0 {
		cfg.Scrape.Concurrency = 10
	}
	if cfg.Worker.ScrapeResultTimeoutS == 0 {
		cfg.Worker.ScrapeResultTimeoutS = 600
	}
	if cfg.Generator.Mode == "" {
		cfg.Generator.Mode = "markdown"
	}
	if cfg.Worker.QueueTimeouts == nil {
		cfg.Worker.QueueTimeouts = map[string]QueueTimeoutConfig{
			"llm":     {SoftSeconds: 900, HardSeconds: 960},
			"scraper": {SoftSeconds: 600, HardSeconds: 600},
		}
	}
	if cfg.Worker.Retry == nil {
		cfg.Worker.Retry = map[string]RetryConfig{
			"llm":     {MaxRetries: 1, BackoffSeconds: 10},
			"scraper": {MaxRetries: 2, BackoffSeconds: 5},
		}
	}
}

// Validate performs basic sanity checks on the loaded configuration so
// that an obviously misconfigured LLM or search provider fails fast at
// startup rather than during the first job.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	provider := strings.TrimSpace(cfg.LLM.DefaultProvider)
	if provider == "" {
		return errors.New("llm.defaultProvider must be set to 'openai', 'anthropic', or 'google'")
	}

	switch provider {
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" || cfg.LLM.OpenAI.Model == "" {
			return errors.New("openai llm provider is not fully configured")
		}
	case "anthropic":
		if cfg.LLM.Anthropic.APIKey == "" || cfg.LLM.Anthropic.Model == "" {
			return errors.New("anthropic llm provider is not fully configured")
		}
	case "google":
		if cfg.LLM.Google.APIKey == "" || cfg.LLM.Google.Model == "" {
			return errors.New("google llm provider is not fully configured")
		}
	default:
		return fmt.Errorf("unsupported llm.defaultProvider: %s", provider)
	}

	if strings.TrimSpace(cfg.Redis.URL) == "" {
		return errors.New("redis.url must be set")
	}

	switch cfg.Generator.Mode {
	case "markdown", "html":
	default:
		return fmt.Errorf("unsupported generator.mode: %s", cfg.Generator.Mode)
	}

	if cfg.Search.Provider != "" && cfg.Search.Provider != "searxng" {
		return fmt.Errorf("unsupported search.provider: %s", cfg.Search.Provider)
	}

	return nil
}
