package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/entity"
	"github.com/ehr/ehrsync/internal/store"
	"github.com/ehr/ehrsync/internal/syncrun"
)

// -- Scripted Fetcher --

type fetchCall struct {
	endpoint string
	filters  url.Values
}

// fakeFetcher serves canned listings keyed by endpoint, or by
// endpoint + "#" + patient for fanout listings.
type fakeFetcher struct {
	mu       sync.Mutex
	listings map[string][]json.RawMessage
	errs     map[string]error
	calls    []fetchCall
	hook     func(endpoint string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{listings: map[string][]json.RawMessage{}, errs: map[string]error{}}
}

func listingKey(endpoint string, filters url.Values) string {
	if p := filters.Get("patient"); p != "" {
		return endpoint + "#" + p
	}
	return endpoint
}

func (f *fakeFetcher) serve(key string, records ...string) {
	for _, r := range records {
		f.listings[key] = append(f.listings[key], json.RawMessage(r))
	}
}

func (f *fakeFetcher) FetchAll(_ context.Context, endpoint string, filters url.Values) ([]json.RawMessage, error) {
	if f.hook != nil {
		f.hook(endpoint)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{endpoint: endpoint, filters: filters})
	key := listingKey(endpoint, filters)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return f.listings[key], nil
}

func (f *fakeFetcher) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.endpoint == endpoint {
			n++
		}
	}
	return n
}

// -- Map-backed Store --

type fakeStore struct {
	mu          sync.Mutex
	tables      map[string]map[string]*entity.Row
	failWrite   map[string]bool
	existsCalls int
	idsErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: map[string]map[string]*entity.Row{}, failWrite: map[string]bool{}}
}

func (s *fakeStore) seed(table string, ids ...string) {
	for _, id := range ids {
		s.Upsert(context.Background(), table, &entity.Row{ExternalID: id, Fields: map[string]any{}}, entity.ConflictKey)
	}
}

func (s *fakeStore) Upsert(_ context.Context, table string, row *entity.Row, _ string) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite[row.ExternalID] {
		return store.Upserted, fmt.Errorf("constraint violation on %s", row.ExternalID)
	}
	t, ok := s.tables[table]
	if !ok {
		t = map[string]*entity.Row{}
		s.tables[table] = t
	}
	_, existed := t[row.ExternalID]
	t[row.ExternalID] = row
	if existed {
		return store.Updated, nil
	}
	return store.Inserted, nil
}

func (s *fakeStore) Exists(_ context.Context, table, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	_, ok := s.tables[table][externalID]
	return ok, nil
}

func (s *fakeStore) ExternalIDs(_ context.Context, table string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idsErr != nil {
		return nil, s.idsErr
	}
	var ids []string
	for id := range s.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

func (s *fakeStore) row(table, id string) *entity.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[table][id]
}

// -- In-memory Run Repository --

type memRuns struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*syncrun.SyncRun
	order     []uuid.UUID
	createErr error
}

func newMemRuns() *memRuns {
	return &memRuns{runs: map[uuid.UUID]*syncrun.SyncRun{}}
}

func (m *memRuns) Create(_ context.Context, run *syncrun.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	run.ID = uuid.New()
	cp := *run
	m.runs[run.ID] = &cp
	m.order = append(m.order, run.ID)
	return nil
}

func (m *memRuns) UpdateStatus(_ context.Context, id uuid.UUID, status syncrun.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return syncrun.ErrNotFound
	}
	run.Status = status
	return nil
}

func (m *memRuns) Finalize(_ context.Context, run *syncrun.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok {
		return syncrun.ErrNotFound
	}
	if stored.Status.Terminal() {
		return syncrun.ErrAlreadyFinalized
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memRuns) GetByID(_ context.Context, id uuid.UUID) (*syncrun.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, syncrun.ErrNotFound
	}
	return run, nil
}

func (m *memRuns) List(_ context.Context, limit, offset int) ([]*syncrun.SyncRun, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*syncrun.SyncRun
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.runs[m.order[i]])
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *memRuns) FailOpen(context.Context, time.Time, syncrun.ErrorRecord) (int64, error) {
	return 0, nil
}

// -- Lease --

type fakeLease struct {
	mu       sync.Mutex
	held     map[string]uuid.UUID
	released []string
}

func newFakeLease() *fakeLease {
	return &fakeLease{held: map[string]uuid.UUID{}}
}

func (l *fakeLease) Acquire(_ context.Context, key string, holder uuid.UUID, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = holder
	return true, nil
}

func (l *fakeLease) Release(_ context.Context, key string, holder uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == holder {
		delete(l.held, key)
		l.released = append(l.released, key)
	}
	return nil
}
