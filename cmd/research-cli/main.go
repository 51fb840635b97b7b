// Command research-cli is a thin front end for exercising the
// orchestration core without a full HTTP API: it submits a deep_search
// task onto the broker's "llm" queue and can tail a job's progress
// channel on C1.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"deepresearch/internal/broker"
	"deepresearch/internal/config"
	"deepresearch/internal/model"
	"deepresearch/internal/progress"
)

type deepSearchTask struct {
	JobID          string `json:"job_id"`
	ConversationID string `json:"conversation_id"`
	UserQuery      string `json:"user_query"`
	LabMode        bool   `json:"lab_mode,omitempty"`
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "research-cli",
		Short: "Submit deep-research jobs and tail their progress stream.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")

	root.AddCommand(newSubmitCommand(&configPath))
	root.AddCommand(newTailCommand(&configPath))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newSubmitCommand(configPath *string) *cobra.Command {
	var conversationID string
	var labMode bool
	var follow bool

	cmd := &cobra.Command{
		Use:   "submit <query>",
		Short: "Enqueue a deep_search task and print its job id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(*configPath)
			client := newRedisClient(cfg)
			defer client.Close()

			b := broker.New(client)
			jobID := newJobID()
			if conversationID == "" {
				conversationID = newJobID()
			}

			task := deepSearchTask{
				JobID:          jobID,
				ConversationID: conversationID,
				UserQuery:      args[0],
				LabMode:        labMode,
			}

			taskID, err := b.Enqueue(cmd.Context(), "llm", "deep_search", task)
			if err != nil {
				return fmt.Errorf("enqueue deep_search task: %w", err)
			}

			fmt.Printf("job_id=%s task_id=%s\n", jobID, taskID)

			if follow {
				return tailJob(cmd.Context(), cfg, jobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "conversation id to thread this query into (defaults to a fresh id)")
	cmd.Flags().BoolVar(&labMode, "lab-mode", false, "use the lab-mode generator template")
	cmd.Flags().BoolVar(&follow, "follow", false, "tail the job's progress channel after submitting")

	return cmd
}

func newTailCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <job-id>",
		Short: "Print progress events for a job as they are published.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(*configPath)
			return tailJob(cmd.Context(), cfg, args[0])
		},
	}
	return cmd
}

func tailJob(ctx context.Context, cfg *config.Config, jobID string) error {
	client := newRedisClient(cfg)
	defer client.Close()

	bus := progress.New(client, nil)
	events, closeSub := bus.Subscribe(ctx, jobID)
	defer closeSub()

	for event := range events {
		printEvent(event)
		if event.Type == model.EventComplete || event.Type == model.EventDone {
			return nil
		}
		if event.Type == model.EventError {
			var p model.ErrorPayload
			if json.Unmarshal(event.Content, &p) == nil && p.Fatal {
				return fmt.Errorf("job %s failed: %s", jobID, p.Message)
			}
		}
	}
	return nil
}

func printEvent(event model.ProgressEvent) {
	encoded, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode event: %v\n", err)
		return
	}
	fmt.Println(string(encoded))
}

func newRedisClient(cfg *config.Config) *redis.Client {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("invalid redis.url: %v", err)
	}
	return redis.NewClient(opts)
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
