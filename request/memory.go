package request

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps requests in process. Stored values are immutable snapshots;
// writers to one id serialize on a per-id mutex while readers only take the
// map lock long enough to copy a pointer.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ServiceRequest

	locksMu sync.Mutex
	locks   map[string]*idLock
}

// idLock lives in the arena only while some writer holds or waits on it.
type idLock struct {
	mu   sync.Mutex
	refs int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ServiceRequest),
		locks:   make(map[string]*idLock),
	}
}

// lock takes the writer lock for id. The returned func releases it.
func (m *MemoryStore) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &idLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

func (m *MemoryStore) lockCount() int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return len(m.locks)
}

func (m *MemoryStore) snapshot(id string) (*ServiceRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *MemoryStore) Insert(_ context.Context, req ServiceRequest) (ServiceRequest, error) {
	if err := req.CheckInvariants(); err != nil {
		return ServiceRequest{}, err
	}
	stored := req.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[req.ID]; exists {
		return ServiceRequest{}, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	m.records[req.ID] = &stored
	return stored.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (ServiceRequest, error) {
	rec, ok := m.snapshot(id)
	if !ok {
		return ServiceRequest{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]ServiceRequest, int, error) {
	filter = filter.normalized()

	m.mu.RLock()
	matched := make([]ServiceRequest, 0, len(m.records))
	for _, rec := range m.records {
		if filter.matches(*rec) {
			matched = append(matched, *rec)
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(matched)
	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []ServiceRequest{}, total, nil
	}
	end := min(start+filter.PageSize, total)

	page := make([]ServiceRequest, 0, end-start)
	for _, rec := range matched[start:end] {
		page = append(page, rec.Clone())
	}
	return page, total, nil
}

// Update runs fn against a copy of the stored request while holding the id's
// writer lock, and publishes the copy only when fn and the invariant checks pass.
func (m *MemoryStore) Update(ctx context.Context, id string, fn MutateFunc) (ServiceRequest, error) {
	if _, ok := m.snapshot(id); !ok {
		return ServiceRequest{}, ErrNotFound
	}
	unlock := m.lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return ServiceRequest{}, err
	}

	current, ok := m.snapshot(id)
	if !ok {
		return ServiceRequest{}, ErrNotFound
	}

	work := current.Clone()
	if err := fn(&work); err != nil {
		return ServiceRequest{}, err
	}
	if err := checkMutation(*current, work); err != nil {
		return ServiceRequest{}, err
	}
	if err := work.CheckInvariants(); err != nil {
		return ServiceRequest{}, err
	}

	stored := work.Clone()
	m.mu.Lock()
	m.records[id] = &stored
	m.mu.Unlock()
	return work, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	if _, ok := m.snapshot(id); !ok {
		return ErrNotFound
	}
	unlock := m.lock(id)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}
