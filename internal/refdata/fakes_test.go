package refdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// tableState simulates the refreshed table shared by every transaction
// and savepoint of a test.
type tableState struct {
	rows       int64
	staged     [][]any
	statements []string
	deleteArgs [][]any
	lockErr    error
	failInsert func(args []any) error
}

func (s *tableState) executed(prefix string) int {
	n := 0
	for _, stmt := range s.statements {
		if strings.HasPrefix(strings.TrimSpace(stmt), prefix) {
			n++
		}
	}
	return n
}

type scriptTx struct {
	pgx.Tx
	state      *tableState
	parent     *scriptTx
	pending    int64
	staged     [][]any
	committed  bool
	rolledBack bool
}

func (t *scriptTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.state.statements = append(t.state.statements, sql)
	stmt := strings.TrimSpace(sql)
	switch {
	case strings.HasPrefix(stmt, "LOCK TABLE"):
		if t.state.lockErr != nil {
			return pgconn.CommandTag{}, t.state.lockErr
		}
	case strings.HasPrefix(stmt, "DELETE FROM"):
		t.state.deleteArgs = append(t.state.deleteArgs, args)
		t.state.rows = 0
	case strings.HasPrefix(stmt, "INSERT INTO refresh_display_group"):
		t.staged = append(t.staged, args)
	case strings.HasPrefix(stmt, "INSERT INTO") && strings.Contains(stmt, "string_agg"):
		groups := map[string]bool{}
		for _, row := range t.state.staged {
			groups[row[0].(string)+"/"+row[1].(string)] = true
		}
		t.state.rows += int64(len(groups))
	case strings.HasPrefix(stmt, "INSERT INTO"):
		if t.state.failInsert != nil {
			if err := t.state.failInsert(args); err != nil {
				return pgconn.CommandTag{}, err
			}
		}
		t.pending++
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (t *scriptTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.state.statements = append(t.state.statements, sql)
	if strings.Contains(sql, "refresh_display_group") {
		return countRow(len(t.state.staged))
	}
	return countRow(int(t.state.rows))
}

func (t *scriptTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return &scriptTx{state: t.state, parent: t}, nil
}

func (t *scriptTx) Commit(ctx context.Context) error {
	t.committed = true
	if t.parent != nil {
		t.state.rows += t.pending
		t.state.staged = append(t.state.staged, t.staged...)
	}
	return nil
}

func (t *scriptTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type countRow int

func (c countRow) Scan(dest ...any) error {
	if len(dest) != 1 {
		return errors.New("expected one destination")
	}
	*dest[0].(*int64) = int64(c)
	return nil
}

type scriptBeginner struct {
	state *tableState
	txs   []*scriptTx
}

func (b *scriptBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	tx := &scriptTx{state: b.state}
	b.txs = append(b.txs, tx)
	return tx, nil
}

type recordedRow struct {
	source      string
	row         map[string]string
	description string
}

type fakeExceptions struct {
	rows []recordedRow
}

func (e *fakeExceptions) RecordCsvException(ctx context.Context, tx pgx.Tx, source string, row map[string]string, description string) error {
	e.rows = append(e.rows, recordedRow{source: source, row: row, description: description})
	return nil
}

type staticFetcher struct {
	rows  []Row
	err   error
	calls int
}

func (f *staticFetcher) Fetch(ctx context.Context, url string) ([]Row, error) {
	f.calls++
	return f.rows, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
