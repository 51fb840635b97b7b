package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"deepresearch/internal/broker"
	"deepresearch/internal/config"
	"deepresearch/internal/jobs"
	"deepresearch/internal/llm"
	"deepresearch/internal/metrics"
	"deepresearch/internal/model"
	"deepresearch/internal/orchestrator"
	"deepresearch/internal/progress"
	"deepresearch/internal/scraping"
	"deepresearch/internal/search"
)

// deepSearchTask is the `llm` queue's sole task kind (spec.md §6 task
// wire: `deep_search_task(job_id, conversation_id, user_query, history?,
// files?, lab_mode)`).
type deepSearchTask struct {
	JobID          string          `json:"job_id"`
	ConversationID string          `json:"conversation_id"`
	UserQuery      string          `json:"user_query"`
	History        json.RawMessage `json:"history,omitempty"`
	Files          []string        `json:"files,omitempty"`
	LabMode        bool            `json:"lab_mode,omitempty"`
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	cfg := config.Load(*configPath)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	redisClient := redis.NewClient(mustParseRedisURL(cfg.Redis.URL))
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}

	llmClient, llmProvider, err := llm.NewClientFromConfig(cfg, "")
	if err != nil {
		log.Fatalf("llm client setup failed: %v", err)
	}

	searchProvider, err := search.NewProviderFromConfig(cfg)
	if err != nil {
		log.Fatalf("search provider setup failed: %v", err)
	}

	scrapeEngine := scraping.NewEngine(cfg.Scrape)
	bus := progress.New(redisClient, logger)
	taskBroker := broker.New(redisClient)
	scraperAdapter := orchestrator.NewDirectBinding(scrapeEngine, time.Duration(cfg.Scrape.TimeoutMs)*time.Millisecond)

	exec := orchestrator.NewExecutor(cfg, llmClient, llmProvider, searchProvider, scraperAdapter, bus, logger)
	store := jobs.Store(jobs.NullStore{})

	go serveMetrics(*metricsAddr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pollInterval := time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	concurrency := cfg.Worker.MaxConcurrentJobs
	if concurrency <= 0 {
		concurrency = 4
	}

	timeouts := cfg.Worker.QueueTimeouts["llm"]
	retryCfg := cfg.Worker.Retry["llm"]

	logger.Info("worker_started", "queue", "llm", "concurrency", concurrency)
	runConsumerLoop(ctx, taskBroker, exec, store, logger, pollInterval, concurrency, timeouts, retryCfg)
	logger.Info("worker_stopped")
}

// runConsumerLoop dequeues deep_search tasks from the "llm" queue and
// dispatches each to a bounded pool of goroutines running the pipeline
// executor (spec.md §4.2, §6 scheduling model: cooperative tasks inside
// a worker process that may run several jobs concurrently). timeouts
// and retryCfg carry the llm queue's soft/hard timeout pair and retry
// policy (spec.md §4.2/§7: orchestration retried once with 10s backoff).
func runConsumerLoop(ctx context.Context, taskBroker *broker.Broker, exec *orchestrator.Executor, store jobs.Store, logger *slog.Logger, pollInterval time.Duration, concurrency int, timeouts config.QueueTimeoutConfig, retryCfg config.RetryConfig) {
	sem := make(chan struct{}, concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := taskBroker.Dequeue(ctx, "llm", pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue_failed", "queue", "llm", "error", err)
			continue
		}
		if task == nil {
			continue // poll timeout elapsed; nothing queued
		}
		if task.Kind != "deep_search" {
			logger.Warn("unrecognized_task_kind", "kind", task.Kind)
			continue
		}

		var payload deepSearchTask
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			logger.Warn("task_payload_decode_failed", "task_id", task.ID, "error", err)
			continue
		}

		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			runJob(ctx, exec, store, logger, payload, timeouts, retryCfg)
		}()
	}
}

// runJob runs one task through the executor, retrying per retryCfg
// (spec.md §4.2/§7: orchestration retried once with 10s backoff) with
// each attempt bounded by timeouts.HardSeconds, before giving up and
// marking the job failed.
func runJob(ctx context.Context, exec *orchestrator.Executor, store jobs.Store, logger *slog.Logger, task deepSearchTask, timeouts config.QueueTimeoutConfig, retryCfg config.RetryConfig) {
	logger.Info("job_started", "job_id", task.JobID, "conversation_id", task.ConversationID)

	if err := store.MarkProcessing(ctx, task.JobID); err != nil {
		logger.Warn("mark_processing_failed", "job_id", task.JobID, "error", err)
	}

	var history model.ConversationHistory
	if len(task.History) > 0 {
		if err := json.Unmarshal(task.History, &history); err != nil {
			logger.Warn("history_decode_failed", "job_id", task.JobID, "error", err)
		}
	}

	job := &model.Job{ID: task.JobID, ConversationID: task.ConversationID, Query: task.UserQuery}

	hardTimeout := time.Duration(timeouts.HardSeconds) * time.Second
	if hardTimeout <= 0 {
		hardTimeout = 960 * time.Second
	}
	backoff := time.Duration(retryCfg.BackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	attempts := retryCfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var payload model.CompletePayload
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, hardTimeout)
		payload, err = exec.Run(attemptCtx, job, &history, task.LabMode)
		cancel()
		if err == nil {
			break
		}
		logger.Warn("job_attempt_failed", "job_id", task.JobID, "attempt", attempt, "of", attempts, "error", err)
		if attempt == attempts {
			break
		}
		if sleepErr := sleepOrDone(ctx, backoff); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	if err != nil {
		logger.Error("job_failed", "job_id", task.JobID, "error", err)
		if markErr := store.MarkFailed(ctx, task.JobID, broker.FailureString("ORCHESTRATION_FAILED", err.Error())); markErr != nil {
			logger.Warn("mark_failed_failed", "job_id", task.JobID, "error", markErr)
		}
		return
	}

	if err := store.MarkCompleted(ctx, task.JobID, payload); err != nil {
		logger.Warn("mark_completed_failed", "job_id", task.JobID, "error", err)
	}
	logger.Info("job_completed", "job_id", task.JobID)
}

// sleepOrDone waits d unless ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, metrics.Export())
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics_server_stopped", "error", err)
	}
}

func mustParseRedisURL(rawURL string) *redis.Options {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		log.Fatalf("invalid redis.url: %v", err)
	}
	return opts
}
