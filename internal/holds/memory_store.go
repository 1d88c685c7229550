package holds

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory hold store for development mode and tests.
// One mutex covers holds and events, which makes Transition atomic.
type MemoryStore struct {
	mu       sync.Mutex
	holds    map[string]*Hold
	events   map[string]*SettlementEvent
	byHoldID map[string]string // hold id -> event id
}

// NewMemoryStore creates a new in-memory hold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:    make(map[string]*Hold),
		events:   make(map[string]*SettlementEvent),
		byHoldID: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.DeductionTxID != "" {
		for _, other := range m.holds {
			if other.DeductionTxID == h.DeductionTxID {
				return ErrDeductionInUse
			}
		}
	}
	m.holds[h.ID] = h.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h.clone(), nil
}

func (m *MemoryStore) ListByStudent(ctx context.Context, studentID string, limit int) ([]*Hold, error) {
	return m.list(func(h *Hold) bool { return h.StudentID == studentID }, limit), nil
}

func (m *MemoryStore) ListByTeacher(ctx context.Context, teacherID string, limit int) ([]*Hold, error) {
	return m.list(func(h *Hold) bool { return h.TeacherID == teacherID }, limit), nil
}

func (m *MemoryStore) list(match func(*Hold) bool, limit int) []*Hold {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Hold
	for _, h := range m.holds {
		if match(h) {
			out = append(out, h.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HeldAt.Equal(out[j].HeldAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].HeldAt.After(out[j].HeldAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Transition(ctx context.Context, id string, to Status, at time.Time, ev *SettlementEvent) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if h.Status != StatusHeld {
		return nil, ErrNotHeld
	}

	h.Status = to
	h.UpdatedAt = at
	switch to {
	case StatusReleased:
		h.ReleasedAt = &at
	case StatusCancelled:
		h.CancelledAt = &at
	}
	if ev != nil {
		m.events[ev.ID] = ev.clone()
		m.byHoldID[ev.HoldID] = ev.ID
	}
	return h.clone(), nil
}

func (m *MemoryStore) GetSettlement(ctx context.Context, holdID string) (*SettlementEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHoldID[holdID]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return m.events[id].clone(), nil
}

func (m *MemoryStore) CountSettlements(ctx context.Context, status SettlementStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*SettlementEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*SettlementEvent
	for _, ev := range m.events {
		switch {
		case ev.Status == SettlementPending && !ev.NextAttemptAt.After(now):
		case ev.Status == SettlementProcessing && !ev.UpdatedAt.Add(lease).After(now):
		default:
			continue
		}
		due = append(due, ev)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*SettlementEvent, 0, len(due))
	for _, ev := range due {
		ev.Status = SettlementProcessing
		ev.UpdatedAt = now
		out = append(out, ev.clone())
	}
	return out, nil
}

func (m *MemoryStore) Ack(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrSettlementNotFound
	}
	ev.Status = SettlementDelivered
	ev.LastError = ""
	ev.UpdatedAt = at
	ev.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) Retry(ctx context.Context, id string, cause error, next time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrSettlementNotFound
	}
	ev.Attempts++
	if cause != nil {
		ev.LastError = cause.Error()
	}
	ev.UpdatedAt = at
	if next.IsZero() {
		ev.Status = SettlementFailed
		return nil
	}
	ev.Status = SettlementPending
	ev.NextAttemptAt = next
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
