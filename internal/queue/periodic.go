package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RefreshSchedule drives periodic reference data refreshes.
type RefreshSchedule struct {
	Feed      string     `db:"feed"`
	CronExpr  string     `db:"cron_expr"`
	NextRunAt time.Time  `db:"next_run_at"`
	LastRunAt *time.Time `db:"last_run_at"`
	Enabled   bool       `db:"enabled"`
}

// NextRun returns the first activation of cronExpr after after.
func NextRun(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}

// RefreshPayload builds the message body that asks for feed to be refreshed.
func RefreshPayload(feed string, scheduledAt *time.Time) (json.RawMessage, error) {
	return json.Marshal(RefreshRequest{Feed: feed, ScheduledAt: scheduledAt})
}

// RefreshDedupeKey keeps at most one live refresh message per feed.
func RefreshDedupeKey(feed string) string {
	return "refresh:" + feed
}

// EnqueueDueRefreshes enqueues a refresh message on queueName for every
// enabled schedule that is due and advances its next run.
func (s *Service) EnqueueDueRefreshes(ctx context.Context, queueName string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		SELECT feed, cron_expr, next_run_at
		FROM %s
		WHERE enabled = TRUE AND next_run_at <= NOW()
		FOR UPDATE SKIP LOCKED
	`, s.schema.Table("refresh_schedule"))
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	var due []RefreshSchedule
	for rows.Next() {
		var r RefreshSchedule
		if err := rows.Scan(&r.Feed, &r.CronExpr, &r.NextRunAt); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	now := time.Now()
	update := fmt.Sprintf(`
		UPDATE %s
		SET last_run_at = next_run_at,
		    next_run_at = $1,
		    updated_at = NOW()
		WHERE feed = $2
	`, s.schema.Table("refresh_schedule"))
	for _, r := range due {
		scheduledAt := r.NextRunAt
		payload, err := RefreshPayload(r.Feed, &scheduledAt)
		if err != nil {
			return 0, err
		}
		if _, err := s.EnqueueTx(ctx, tx, queueName, payload, RefreshDedupeKey(r.Feed)); err != nil {
			return 0, fmt.Errorf("enqueue refresh for %s: %w", r.Feed, err)
		}
		next, err := NextRun(r.CronExpr, now)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, update, next, r.Feed); err != nil {
			return 0, fmt.Errorf("update next run for %s: %w", r.Feed, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(due), nil
}

// UpsertRefreshSchedule creates or replaces the schedule for feed.
func (s *Service) UpsertRefreshSchedule(ctx context.Context, feed, cronExpr string, enabled bool) error {
	nextRun, err := NextRun(cronExpr, time.Now())
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (feed, cron_expr, next_run_at, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (feed) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    next_run_at = CASE
				WHEN %[1]s.cron_expr = EXCLUDED.cron_expr THEN %[1]s.next_run_at
				ELSE EXCLUDED.next_run_at
			END,
		    enabled = EXCLUDED.enabled,
		    updated_at = NOW()
	`, s.schema.Table("refresh_schedule"))
	_, err = s.pool.Exec(ctx, query, feed, cronExpr, nextRun, enabled)
	return err
}

// ListRefreshSchedules returns every schedule ordered by feed.
func (s *Service) ListRefreshSchedules(ctx context.Context) ([]RefreshSchedule, error) {
	query := fmt.Sprintf(`
		SELECT feed, cron_expr, next_run_at, last_run_at, enabled
		FROM %s
		ORDER BY feed
	`, s.schema.Table("refresh_schedule"))
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schedules []RefreshSchedule
	for rows.Next() {
		var r RefreshSchedule
		if err := rows.Scan(&r.Feed, &r.CronExpr, &r.NextRunAt, &r.LastRunAt, &r.Enabled); err != nil {
			return nil, err
		}
		schedules = append(schedules, r)
	}
	return schedules, rows.Err()
}
