package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"timeseries-staging/internal/db"
	"timeseries-staging/internal/events"
)

// Enqueuer adds a message to a queue inside an existing transaction.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, queueName string, payload json.RawMessage, dedupeKey string) (int64, error)
}

// ReportingNotifier creates a pending reporting job and a reporting queue
// message for every staged record.
type ReportingNotifier struct {
	tx        *Coordinator
	schema    db.Schema
	queue     Enqueuer
	queueName string
	publisher events.Publisher
	logger    *slog.Logger
}

func NewReportingNotifier(tx *Coordinator, schema db.Schema, queue Enqueuer, queueName string, publisher events.Publisher, logger *slog.Logger) *ReportingNotifier {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportingNotifier{
		tx:        tx,
		schema:    schema,
		queue:     queue,
		queueName: queueName,
		publisher: publisher,
		logger:    logger,
	}
}

type reportingPayload struct {
	TimeseriesID uuid.UUID `json:"timeseriesId"`
	HeaderID     uuid.UUID `json:"headerId"`
	WorkflowID   string    `json:"workflowId"`
	TaskRunID    string    `json:"taskRunId"`
}

func (n *ReportingNotifier) Staged(ctx context.Context, result Result) {
	insertJob := fmt.Sprintf(`INSERT INTO %s (timeseries_id) VALUES ($1)`, n.schema.Table("reporting_job"))
	err := n.tx.WithTransaction(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, id := range result.RecordIDs {
			if _, err := tx.Exec(ctx, insertJob, id); err != nil {
				return fmt.Errorf("insert reporting job: %w", err)
			}
			payload, err := json.Marshal(reportingPayload{
				TimeseriesID: id,
				HeaderID:     result.HeaderID,
				WorkflowID:   result.TaskRun.WorkflowID,
				TaskRunID:    result.TaskRun.TaskRunID,
			})
			if err != nil {
				return err
			}
			if _, err := n.queue.EnqueueTx(ctx, tx, n.queueName, payload, "reporting:"+id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		n.logger.Warn("Reporting notification failed", "header_id", result.HeaderID.String(), "error", err)
		return
	}
	n.publisher.Publish(events.Event{
		Level:      "info",
		Type:       "timeseries_staged",
		Message:    "Timeseries staged",
		WorkflowID: result.TaskRun.WorkflowID,
		Metadata: map[string]string{
			"task_run_id": result.TaskRun.TaskRunID,
			"header_id":   result.HeaderID.String(),
			"records":     strconv.Itoa(len(result.RecordIDs)),
			"outcome":     string(result.Outcome),
		},
	})
}
