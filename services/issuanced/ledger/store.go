package ledger

import (
	"context"
	"sort"
	"sync"
)

// CheckFunc validates a pending issuance against the allocation and the
// user's period total as read inside the commit. A non-nil error aborts the
// commit with nothing written.
type CheckFunc func(alloc Allocation, userTotal int64) error

// Store is the repository behind the ledger. Commit is the only write path
// for issuance and callers hold the ledger's per-period lock around it, so an
// implementation needs only to make each Commit atomic on its own.
type Store interface {
	// Allocation returns ErrUnknownPeriod when the period has no budget.
	Allocation(ctx context.Context, period string) (Allocation, error)
	Allocations(ctx context.Context) ([]Allocation, error)
	// PutAllocation replaces the allocation for alloc.Period.
	PutAllocation(ctx context.Context, alloc Allocation) error
	// UserPeriodTotal sums the user's records whose period equals period.
	UserPeriodTotal(ctx context.Context, userID, period string) (int64, error)
	// Commit assigns the next sequence to draft, runs check against committed
	// state, appends the record and moves draft.Amount from remaining to
	// allocated.
	Commit(ctx context.Context, draft Record, check CheckFunc) (Record, error)
	// Halt marks a period as unusable until its allocation is replaced.
	Halt(ctx context.Context, period, reason string) error
	// RecordsByUser returns the user's records in sequence order.
	RecordsByUser(ctx context.Context, userID string) ([]Record, error)
	// Records returns records in sequence order; an empty period means all.
	Records(ctx context.Context, period string) ([]Record, error)
}

// MemoryStore keeps ledger state in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	allocations map[string]Allocation
	records     []Record
	seq         uint64
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{allocations: make(map[string]Allocation)}
}

func (m *MemoryStore) Allocation(_ context.Context, period string) (Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alloc, ok := m.allocations[period]
	if !ok {
		return Allocation{}, ErrUnknownPeriod
	}
	return alloc, nil
}

func (m *MemoryStore) Allocations(_ context.Context) ([]Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Allocation, 0, len(m.allocations))
	for _, alloc := range m.allocations {
		out = append(out, alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

func (m *MemoryStore) PutAllocation(_ context.Context, alloc Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[alloc.Period] = alloc
	return nil
}

func (m *MemoryStore) UserPeriodTotal(_ context.Context, userID, period string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userPeriodTotalLocked(userID, period), nil
}

func (m *MemoryStore) userPeriodTotalLocked(userID, period string) int64 {
	var total int64
	for _, rec := range m.records {
		if rec.UserID == userID && rec.Period == period {
			total += rec.Amount
		}
	}
	return total
}

func (m *MemoryStore) Commit(_ context.Context, draft Record, check CheckFunc) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.allocations[draft.Period]
	if !ok {
		return Record{}, ErrUnknownPeriod
	}
	if err := check(alloc, m.userPeriodTotalLocked(draft.UserID, draft.Period)); err != nil {
		return Record{}, err
	}
	m.seq++
	draft.Sequence = m.seq
	draft.RecordID = FormatRecordID(m.seq)
	alloc.Allocated += draft.Amount
	alloc.Remaining -= draft.Amount
	alloc.UpdatedAt = draft.Timestamp
	m.allocations[draft.Period] = alloc
	m.records = append(m.records, draft)
	return draft, nil
}

func (m *MemoryStore) Halt(_ context.Context, period, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.allocations[period]
	if !ok {
		return ErrUnknownPeriod
	}
	alloc.Halted = true
	alloc.HaltReason = reason
	m.allocations[period] = alloc
	return nil
}

func (m *MemoryStore) RecordsByUser(_ context.Context, userID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) Records(_ context.Context, period string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if period == "" || rec.Period == period {
			out = append(out, rec)
		}
	}
	return out, nil
}
