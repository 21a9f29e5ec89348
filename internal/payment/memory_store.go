package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory record store for demo/development mode.
// Records are lazily purged once their retention window passes.
type MemoryStore struct {
	records   map[string]*PaymentRecord
	retention time.Duration
	now       func() time.Time
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory store with the given retention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*PaymentRecord),
		retention: retention,
		now:       time.Now,
	}
}

func (m *MemoryStore) retained(rec *PaymentRecord) bool {
	return m.now().Before(rec.CreatedAt.Add(m.retention))
}

func (m *MemoryStore) Create(_ context.Context, rec *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.PaymentID]; ok && m.retained(existing) {
		return ErrRecordExists
	}
	m.records[rec.PaymentID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*PaymentRecord, error) {
	m.mu.RLock()
	rec, ok := m.records[paymentID]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrRecordNotFound
	}
	if !m.retained(rec) {
		m.mu.Lock()
		delete(m.records, paymentID)
		m.mu.Unlock()
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, rec *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.PaymentID]; !ok {
		return ErrRecordNotFound
	}
	m.records[rec.PaymentID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }
