package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"timeseries-staging/internal/db"
)

const ReportingJobComplete = "COMPLETE"

var ErrInvalidRetention = errors.New("invalid retention limits")

// PruneResult counts rows removed by a retention pass.
type PruneResult struct {
	Headers int64
	Records int64
	Jobs    int64
}

// Pruner deletes staged timeseries that have outlived their retention.
type Pruner struct {
	tx     *Coordinator
	schema db.Schema
	now    func() time.Time
	logger *slog.Logger
}

func NewPruner(tx *Coordinator, schema db.Schema, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{tx: tx, schema: schema, now: time.Now, logger: logger}
}

// ResolveLimits validates a hard/soft limit pair. The soft limit defaults
// to the hard limit and may not exceed it.
func ResolveLimits(hard, soft time.Duration) (time.Duration, time.Duration, error) {
	if hard <= 0 {
		return 0, 0, fmt.Errorf("%w: hard limit must be greater than zero", ErrInvalidRetention)
	}
	if soft <= 0 {
		soft = hard
	}
	if soft > hard {
		return 0, 0, fmt.Errorf("%w: soft limit must not exceed the hard limit", ErrInvalidRetention)
	}
	return hard, soft, nil
}

// DeleteExpired removes every header imported before now-hard, and every
// header imported before now-soft whose reporting jobs have all completed.
func (p *Pruner) DeleteExpired(ctx context.Context, hard, soft time.Duration) (PruneResult, error) {
	hard, soft, err := ResolveLimits(hard, soft)
	if err != nil {
		return PruneResult{}, err
	}
	now := p.now().UTC()
	hardDate := now.Add(-hard)
	softDate := now.Add(-soft)

	headers := p.schema.Table("timeseries_header")
	records := p.schema.Table("timeseries")
	jobs := p.schema.Table("reporting_job")
	expired := fmt.Sprintf(`
		SELECT h.id FROM %[1]s h
		WHERE h.import_time < $1
		   OR (h.import_time < $2
		       AND EXISTS (SELECT 1 FROM %[2]s t JOIN %[3]s j ON j.timeseries_id = t.id WHERE t.timeseries_header_id = h.id)
		       AND NOT EXISTS (
				SELECT 1 FROM %[2]s t JOIN %[3]s j ON j.timeseries_id = t.id
				WHERE t.timeseries_header_id = h.id AND j.job_status <> $3
		       ))
	`, headers, records, jobs)

	var result PruneResult
	err = p.tx.WithTransaction(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "CREATE TEMP TABLE expired_header (id uuid PRIMARY KEY) ON COMMIT DROP"); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "INSERT INTO expired_header "+expired, hardDate, softDate, ReportingJobComplete); err != nil {
			return fmt.Errorf("select expired headers: %w", err)
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s j USING %s t
			WHERE j.timeseries_id = t.id AND t.timeseries_header_id IN (SELECT id FROM expired_header)
		`, jobs, records))
		if err != nil {
			return fmt.Errorf("delete reporting jobs: %w", err)
		}
		result.Jobs = tag.RowsAffected()
		tag, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE timeseries_header_id IN (SELECT id FROM expired_header)`, records))
		if err != nil {
			return fmt.Errorf("delete timeseries: %w", err)
		}
		result.Records = tag.RowsAffected()
		tag, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id IN (SELECT id FROM expired_header)`, headers))
		if err != nil {
			return fmt.Errorf("delete timeseries headers: %w", err)
		}
		result.Headers = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return PruneResult{}, err
	}
	p.logger.Info("Deleted expired timeseries",
		"hard_limit", hard.String(),
		"soft_limit", soft.String(),
		"headers", result.Headers,
		"records", result.Records,
		"jobs", result.Jobs,
	)
	return result, nil
}
