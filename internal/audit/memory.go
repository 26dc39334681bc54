package audit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sink for tests and dry runs.
type Memory struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *Memory) ByEntity(_ context.Context, entityType, entityID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.recs {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// All returns every record in append order.
func (m *Memory) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.recs))
	copy(out, m.recs)
	return out
}
