package staging

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a failure by how the pipeline must react to it.
type Kind int

const (
	// KindTransient failures roll back and leave the message for redelivery.
	KindTransient Kind = iota
	// KindPermanent failures are recorded once and never retried.
	KindPermanent
	// KindCsvRow failures quarantine a single CSV row and never abort a refresh.
	KindCsvRow
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCsvRow:
		return "csv_row"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

var (
	// ErrNullOverwrite aborts a reference-data refresh that would leave the
	// refreshed table (or subset) empty.
	ErrNullOverwrite = errors.New("A null database overwrite is not allowed")
	// ErrNotCSV is returned when a feed responds with something other than CSV.
	ErrNotCSV = errors.New("No csv file detected")
)

// StagingError is an unrecoverable message condition. The pipeline records
// it as a staging exception and acknowledges the message.
type StagingError struct {
	Payload     string
	Description string
}

func NewStagingError(payload, description string) *StagingError {
	return &StagingError{Payload: payload, Description: description}
}

func (e *StagingError) Error() string {
	return e.Description
}

// CsvRowError describes one CSV row that could not be loaded.
type CsvRowError struct {
	Row         map[string]string
	Description string
}

func (e *CsvRowError) Error() string {
	return e.Description
}

// KindOf reports the failure kind of err. Unknown errors are transient so
// the message is redelivered rather than lost.
func KindOf(err error) Kind {
	var stagingErr *StagingError
	if errors.As(err, &stagingErr) {
		return KindPermanent
	}
	var rowErr *CsvRowError
	if errors.As(err, &rowErr) {
		return KindCsvRow
	}
	if errors.Is(err, ErrNullOverwrite) || errors.Is(err, ErrNotCSV) {
		return KindPermanent
	}
	return KindTransient
}

// Retryable reports whether err should trigger redelivery.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsLockTimeout reports whether err is a lock-wait timeout raised by Postgres.
func IsLockTimeout(err error) bool {
	return hasSQLState(err, sqlStateLockNotAvailable)
}

// IsLockConflict reports a lock timeout, serialization failure or deadlock.
func IsLockConflict(err error) bool {
	return hasSQLState(err, sqlStateLockNotAvailable, sqlStateSerializationFailure, sqlStateDeadlockDetected)
}

// IsContention reports a lock conflict or a unique violation raised by a
// concurrent insert of the same task run. Both resolve on retry.
func IsContention(err error) bool {
	return IsLockConflict(err) || hasSQLState(err, sqlStateUniqueViolation)
}

// IsNetwork reports whether err is a connectivity failure or deadline.
func IsNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Reason labels err for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsLockTimeout(err):
		return "lock_timeout"
	case IsContention(err):
		return "contention"
	case IsNetwork(err):
		return "network"
	default:
		return KindOf(err).String()
	}
}

func hasSQLState(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, code := range codes {
		if pgErr.Code == code {
			return true
		}
	}
	return false
}

// DBErrorText returns the database's own message for err where available.
func DBErrorText(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return err.Error()
}
