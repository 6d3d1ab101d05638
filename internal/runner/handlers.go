package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"timeseries-staging/internal/events"
	"timeseries-staging/internal/queue"
	"timeseries-staging/internal/refdata"
	"timeseries-staging/internal/staging"
)

type Router interface {
	Route(ctx context.Context, raw json.RawMessage) (staging.Result, error)
}

type Refresher interface {
	Refresh(ctx context.Context, feedName string) (refdata.Report, error)
}

// RouteHandler stages the series named by task run completion messages.
func RouteHandler(router Router, publisher events.Publisher, logger *slog.Logger) Handler {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return HandlerFunc(func(ctx context.Context, msg *queue.Message) error {
		result, err := router.Route(ctx, msg.Payload)
		if err != nil {
			return err
		}
		messagesRouted.WithLabelValues(string(result.Outcome)).Inc()
		recordsStaged.Add(float64(len(result.RecordIDs)))
		logger.Info("Task run message handled",
			"message_id", msg.ID,
			"outcome", result.Outcome,
			"workflow_id", result.TaskRun.WorkflowID,
			"task_run_id", result.TaskRun.TaskRunID,
			"records", len(result.RecordIDs),
		)
		level := "info"
		if result.Outcome == staging.OutcomeStagingException {
			level = "warn"
		}
		publisher.Publish(events.Event{
			Level:      level,
			Type:       "message_routed",
			Message:    string(result.Outcome),
			Queue:      msg.QueueName,
			MessageID:  msg.ID,
			WorkflowID: result.TaskRun.WorkflowID,
			Metadata: map[string]string{
				"task_run_id": result.TaskRun.TaskRunID,
				"records":     fmt.Sprint(len(result.RecordIDs)),
			},
		})
		return nil
	})
}

// RefreshHandler reloads the reference-data feed named in the message.
// Unknown or unconfigured feeds are not retried.
func RefreshHandler(refresher Refresher) Handler {
	return HandlerFunc(func(ctx context.Context, msg *queue.Message) error {
		var req queue.RefreshRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return Permanent(fmt.Errorf("decode refresh request: %w", err))
		}
		if req.Feed == "" {
			return Permanent(errors.New("refresh request has no feed"))
		}
		_, err := refresher.Refresh(ctx, req.Feed)
		if errors.Is(err, refdata.ErrUnknownFeed) || errors.Is(err, refdata.ErrNoFeedURL) {
			return Permanent(err)
		}
		return err
	})
}
