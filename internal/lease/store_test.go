package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vellum/api/internal/logger"
	"vellum/api/internal/metrics"
	"vellum/api/internal/store"
)

// memLeaseStore mirrors the decision rules of the Postgres lease columns:
// acquire grants when the document is unleased, already held by the caller,
// or held by a lease older than reclaimAfter; release only clears the
// caller's own lease; sweep keys on lease age at statement time. The clock
// is a plain field so tests can move time instead of sleeping.
type memLeaseStore struct {
	mu   sync.Mutex
	now  time.Time
	rows map[string]*leaseRow
}

type leaseRow struct {
	holder    string
	startedAt time.Time
}

func newMemLeaseStore(documentIDs ...string) *memLeaseStore {
	m := &memLeaseStore{
		now:  time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
		rows: make(map[string]*leaseRow),
	}
	for _, id := range documentIDs {
		m.rows[id] = &leaseRow{}
	}
	return m
}

func (m *memLeaseStore) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *memLeaseStore) AcquireLease(ctx context.Context, documentID, userID string, reclaimAfter time.Duration) (store.LeaseGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[documentID]
	if !ok {
		return store.LeaseGrant{}, store.ErrNotFound
	}
	if row.holder == "" || row.holder == userID || m.now.Sub(row.startedAt) > reclaimAfter {
		prev := row.holder
		row.holder = userID
		row.startedAt = m.now
		return store.LeaseGrant{
			Granted:   true,
			Holder:    userID,
			StartedAt: m.now,
			Reclaimed: prev != "" && prev != userID,
		}, nil
	}
	return store.LeaseGrant{
		Granted:   false,
		Holder:    row.holder,
		StartedAt: row.startedAt,
		Age:       m.now.Sub(row.startedAt),
	}, nil
}

func (m *memLeaseStore) ReleaseLease(ctx context.Context, documentID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[documentID]
	if !ok || row.holder != userID {
		return false, nil
	}
	row.holder = ""
	row.startedAt = time.Time{}
	return true, nil
}

func (m *memLeaseStore) SweepLeases(ctx context.Context, maxAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared int64
	for _, row := range m.rows {
		if row.holder != "" && m.now.Sub(row.startedAt) > maxAge {
			row.holder = ""
			row.startedAt = time.Time{}
			cleared++
		}
	}
	return cleared, nil
}

func newBehavioralManager(st Store) *Manager {
	m, _ := metrics.New()
	return NewManager(st, 30*time.Minute, logger.Nop(), m)
}

// Full lease lifecycle against the decision rules: grant to the first
// caller, deny the second with holder and age feedback, then hand the
// lease over once the first holder's lease outlives the reclaim TTL.
func TestLeaseGrantDenyReclaimCycle(t *testing.T) {
	st := newMemLeaseStore("doc_1")
	mgr := newBehavioralManager(st)
	ctx := context.Background()

	grant, err := mgr.Acquire(ctx, "doc_1", "amira")
	if err != nil {
		t.Fatalf("Acquire(amira): %v", err)
	}
	if !grant.Granted || grant.Reclaimed {
		t.Fatalf("grant = %+v, want fresh grant", grant)
	}

	st.advance(10 * time.Minute)
	denied, err := mgr.Acquire(ctx, "doc_1", "bram")
	if err != nil {
		t.Fatalf("Acquire(bram): %v", err)
	}
	if denied.Granted {
		t.Fatal("bram must be denied while amira's lease is live")
	}
	if denied.Holder != "amira" || denied.Age != 10*time.Minute {
		t.Fatalf("denial = holder %q age %s, want amira/10m", denied.Holder, denied.Age)
	}

	// Push amira's lease past the 30m reclaim TTL.
	st.advance(21 * time.Minute)
	reclaimed, err := mgr.Acquire(ctx, "doc_1", "bram")
	if err != nil {
		t.Fatalf("Acquire(bram) after TTL: %v", err)
	}
	if !reclaimed.Granted || !reclaimed.Reclaimed {
		t.Fatalf("grant = %+v, want reclaimed grant", reclaimed)
	}

	// Amira lost the lease; her release must be a no-op, not clear bram's.
	released, err := mgr.Release(ctx, "doc_1", "amira")
	if err != nil || released {
		t.Fatalf("Release(amira) = %v, %v, want false no-op", released, err)
	}
	still, err := mgr.Acquire(ctx, "doc_1", "carol")
	if err != nil {
		t.Fatalf("Acquire(carol): %v", err)
	}
	if still.Granted || still.Holder != "bram" {
		t.Fatalf("grant = %+v, want denial held by bram", still)
	}
}

// Re-acquiring one's own lease is idempotent and refreshes the start time,
// so an active editor keeps pushing the reclaim horizon forward.
func TestAcquireSameHolderRefreshesStart(t *testing.T) {
	st := newMemLeaseStore("doc_1")
	mgr := newBehavioralManager(st)
	ctx := context.Background()

	first, err := mgr.Acquire(ctx, "doc_1", "amira")
	if err != nil || !first.Granted {
		t.Fatalf("Acquire = %+v, %v, want grant", first, err)
	}

	st.advance(25 * time.Minute)
	renewed, err := mgr.Acquire(ctx, "doc_1", "amira")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if !renewed.Granted || renewed.Reclaimed {
		t.Fatalf("grant = %+v, want plain re-grant", renewed)
	}
	if !renewed.StartedAt.After(first.StartedAt) {
		t.Fatalf("startedAt not refreshed: %s then %s", first.StartedAt, renewed.StartedAt)
	}

	// Ten more minutes would have expired the original lease; the renewal
	// keeps the document held.
	st.advance(10 * time.Minute)
	denied, err := mgr.Acquire(ctx, "doc_1", "bram")
	if err != nil {
		t.Fatalf("Acquire(bram): %v", err)
	}
	if denied.Granted {
		t.Fatal("renewed lease must still deny other users")
	}
	if denied.Age != 10*time.Minute {
		t.Fatalf("age = %s, want 10m measured from the renewal", denied.Age)
	}
}

func TestAcquireUnknownDocument(t *testing.T) {
	mgr := newBehavioralManager(newMemLeaseStore())

	_, err := mgr.Acquire(context.Background(), "doc_missing", "amira")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

// The sweep clears only leases older than maxAge: an abandoned lease goes,
// a recently renewed one survives the same pass.
func TestSweepSparesRenewedLease(t *testing.T) {
	st := newMemLeaseStore("doc_stale", "doc_fresh")
	mgr := newBehavioralManager(st)
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, "doc_stale", "amira"); err != nil {
		t.Fatalf("Acquire(stale): %v", err)
	}
	st.advance(14 * time.Minute)
	if _, err := mgr.Acquire(ctx, "doc_fresh", "bram"); err != nil {
		t.Fatalf("Acquire(fresh): %v", err)
	}
	st.advance(2 * time.Minute)

	cleared, err := st.SweepLeases(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("SweepLeases: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want only the 16m-old lease", cleared)
	}

	// The swept document is open again; the fresh one is still held.
	grant, err := mgr.Acquire(ctx, "doc_stale", "carol")
	if err != nil || !grant.Granted || grant.Reclaimed {
		t.Fatalf("Acquire(stale) after sweep = %+v, %v, want fresh grant", grant, err)
	}
	denied, err := mgr.Acquire(ctx, "doc_fresh", "carol")
	if err != nil {
		t.Fatalf("Acquire(fresh): %v", err)
	}
	if denied.Granted || denied.Holder != "bram" {
		t.Fatalf("grant = %+v, want denial held by bram", denied)
	}
}
