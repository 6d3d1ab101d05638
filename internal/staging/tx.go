package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const DefaultLockTimeout = 6500 * time.Millisecond

// Beginner opens transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ExceptionSink persists staging exceptions inside the supplied transaction.
type ExceptionSink interface {
	RecordStagingException(ctx context.Context, tx pgx.Tx, payload, description string) error
}

// Coordinator runs units of work inside transactions bounded by a lock-wait
// timeout and converts permanent failures into staging exceptions.
type Coordinator struct {
	db          Beginner
	sink        ExceptionSink
	lockTimeout time.Duration
	logger      *slog.Logger
	observer    func(outcome string, err error)
}

func NewCoordinator(db Beginner, sink ExceptionSink, lockTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{db: db, sink: sink, lockTimeout: lockTimeout, logger: logger}
}

// OnFinish registers a callback invoked with "commit" or "rollback" after
// every transaction.
func (c *Coordinator) OnFinish(fn func(outcome string, err error)) {
	c.observer = fn
}

// WithTransaction begins a transaction at iso, applies the lock timeout and
// runs fn. The transaction commits only if fn returns nil; any error rolls it
// back and is returned unchanged.
func (c *Coordinator) WithTransaction(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) (err error) {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			c.finish("commit", nil)
			return
		}
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if IsLockTimeout(err) {
			c.logger.Warn("Transaction aborted by lock timeout", "lock_timeout", c.lockTimeout.String(), "error", err)
		}
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			c.logger.Error("Transaction rollback failed", "error", rbErr)
		}
		c.finish("rollback", err)
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", lockTimeoutSetting(c.lockTimeout)); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Run behaves like WithTransaction but treats a StagingError from fn as
// handled: the work is rolled back, the exception is recorded in a separate
// transaction and nil is returned.
func (c *Coordinator) Run(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	err := c.WithTransaction(ctx, iso, fn)
	var stagingErr *StagingError
	if !errors.As(err, &stagingErr) {
		return err
	}
	if recErr := c.RecordException(ctx, stagingErr); recErr != nil {
		return recErr
	}
	return nil
}

// RecordException writes stagingErr to the exception sink in its own
// transaction.
func (c *Coordinator) RecordException(ctx context.Context, stagingErr *StagingError) error {
	if c.sink == nil {
		return fmt.Errorf("no exception sink configured: %w", stagingErr)
	}
	err := c.WithTransaction(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return c.sink.RecordStagingException(ctx, tx, stagingErr.Payload, stagingErr.Description)
	})
	if err != nil {
		return fmt.Errorf("record staging exception %q: %w", stagingErr.Description, err)
	}
	c.logger.Warn("Recorded staging exception", "description", stagingErr.Description)
	return nil
}

func (c *Coordinator) finish(outcome string, err error) {
	if c.observer != nil {
		c.observer(outcome, err)
	}
}

func lockTimeoutSetting(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
