package staging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx records statements and completion. Methods not overridden panic
// through the nil embedded interface, which keeps the fakes honest.
type fakeTx struct {
	pgx.Tx
	execs      []string
	execArgs   [][]any
	execErr    error
	commitErr  error
	committed  bool
	rolledBack bool
	onCommit   func()
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	t.execArgs = append(t.execArgs, args)
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	if t.onCommit != nil {
		t.onCommit()
	}
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	txs      []*fakeTx
	isoLevel []pgx.TxIsoLevel
	beginErr error
}

func (b *fakeBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	b.isoLevel = append(b.isoLevel, opts.IsoLevel)
	return tx, nil
}

type recordedException struct {
	payload     string
	description string
}

type fakeSink struct {
	exceptions []recordedException
	err        error
}

func (s *fakeSink) RecordStagingException(ctx context.Context, tx pgx.Tx, payload, description string) error {
	if s.err != nil {
		return s.err
	}
	tx.(*fakeTx).onCommit = func() {
		s.exceptions = append(s.exceptions, recordedException{payload: payload, description: description})
	}
	return nil
}

// memoryDB is the committed state behind memoryStore views.
type memoryDB struct {
	mu            sync.Mutex
	headers       []Header
	records       []Record
	ignored       map[string]bool
	displayGroups map[string][]DisplayGroup
	filters       map[string][]Filter
	lockErr       error
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		ignored:       map[string]bool{},
		displayGroups: map[string][]DisplayGroup{},
		filters:       map[string][]Filter{},
	}
}

func (m *memoryDB) storeFor(tx pgx.Tx) RouteStore {
	view := &memoryStore{db: m}
	tx.(*fakeTx).onCommit = view.apply
	return view
}

func (m *memoryDB) headerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.headers)
}

// memoryStore buffers writes until its transaction commits.
type memoryStore struct {
	db      *memoryDB
	headers []Header
	records []Record
}

func (s *memoryStore) apply() {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.headers = append(s.db.headers, s.headers...)
	s.db.records = append(s.db.records, s.records...)
}

func (s *memoryStore) LockReferenceTables(ctx context.Context) error {
	return s.db.lockErr
}

func (s *memoryStore) TaskRunImported(ctx context.Context, taskRunID string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, h := range s.db.headers {
		if h.TaskRunID == taskRunID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) LatestTaskRun(ctx context.Context, workflowID string, since time.Time) (string, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var candidates []Header
	for _, h := range s.db.headers {
		if h.WorkflowID == workflowID && !h.CompletionTime.Before(since) {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CompletionTime.After(candidates[j].CompletionTime)
	})
	return candidates[0].TaskRunID, true, nil
}

func (s *memoryStore) IsIgnored(ctx context.Context, workflowID string) (bool, error) {
	return s.db.ignored[workflowID], nil
}

func (s *memoryStore) DisplayGroups(ctx context.Context, workflowID string) ([]DisplayGroup, error) {
	return s.db.displayGroups[workflowID], nil
}

func (s *memoryStore) Filters(ctx context.Context, workflowID string) ([]Filter, error) {
	return s.db.filters[workflowID], nil
}

func (s *memoryStore) InsertHeader(ctx context.Context, header Header) error {
	s.headers = append(s.headers, header)
	return nil
}

func (s *memoryStore) InsertRecord(ctx context.Context, record Record) error {
	for _, h := range s.headers {
		if h.ID == record.HeaderID {
			s.records = append(s.records, record)
			return nil
		}
	}
	return errors.New("record has no owning header")
}

type seriesCall struct {
	kind        string
	id          string
	locationIDs []string
	window      Window
}

type fakeSource struct {
	calls []seriesCall
	err   error
}

func (f *fakeSource) DisplayGroupSeries(ctx context.Context, plotID string, locationIDs []string, window Window) (Series, error) {
	f.calls = append(f.calls, seriesCall{kind: "plot", id: plotID, locationIDs: locationIDs, window: window})
	if f.err != nil {
		return Series{}, f.err
	}
	return Series{
		Parameters: "plotId=" + plotID + "&locationIds=" + strings.Join(locationIDs, "&locationIds="),
		Data:       []byte(fmt.Sprintf(`{"plot":%q}`, plotID)),
	}, nil
}

func (f *fakeSource) FilterSeries(ctx context.Context, filterID string, window Window) (Series, error) {
	f.calls = append(f.calls, seriesCall{kind: "filter", id: filterID, window: window})
	if f.err != nil {
		return Series{}, f.err
	}
	return Series{
		Parameters: "filterId=" + filterID,
		Data:       []byte(fmt.Sprintf(`{"filter":%q}`, filterID)),
	}, nil
}

type fakeNotifier struct {
	results []Result
}

func (n *fakeNotifier) Staged(ctx context.Context, result Result) {
	n.results = append(n.results, result)
}
