// Package progress implements the progress bus (C1): a typed pub/sub
// channel keyed by job id, fire-and-forget, non-fatal on failure
// (spec.md §4.1).
package progress

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"deepresearch/internal/model"
)

// Bus publishes and subscribes to per-job progress channels over
// redis Pub/Sub.
type Bus struct {
	client *redis.Client
	logger *slog.Logger
}

// New builds a Bus over an existing redis client.
func New(client *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, logger: logger}
}

func channelName(jobID string) string {
	return "job:" + jobID
}

// Publish fire-and-forgets an event to job:{id}. Any transport error is
// logged and swallowed (spec.md §7: "Log and swallow for pub/sub").
func (b *Bus) Publish(ctx context.Context, jobID string, event model.ProgressEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("progress_marshal_failed", "job_id", jobID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, channelName(jobID), payload).Err(); err != nil {
		b.logger.Warn("progress_publish_failed", "job_id", jobID, "error", err)
	}
}

// Subscribe opens a dedicated subscriber connection for jobID (spec.md
// §6: "A separate dedicated subscriber connection is required per
// reader") and returns a channel of decoded events plus a close
// function. The channel closes right after it delivers a `complete`,
// `done` or `error(fatal=true)` event, or when the underlying
// subscription ends; a cancelled ctx also stops delivery.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan model.ProgressEvent, func() error) {
	sub := b.client.Subscribe(ctx, channelName(jobID))
	raw := sub.Channel()

	out := make(chan model.ProgressEvent)
	go func() {
		defer close(out)
		for msg := range raw {
			var event model.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("progress_decode_failed", "job_id", jobID, "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.Type == model.EventComplete || event.Type == model.EventDone {
				return
			}
			if event.Type == model.EventError {
				var p model.ErrorPayload
				if json.Unmarshal(event.Content, &p) == nil && p.Fatal {
					return
				}
			}
		}
	}()

	return out, sub.Close
}
