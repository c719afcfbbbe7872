package collectors

import (
	"context"
	"sync"
)

// memWatermarks is an in-memory watermark table for tests.
type memWatermarks struct {
	mu      sync.Mutex
	cursors map[string]string
}

func newMemWatermarks() *memWatermarks {
	return &memWatermarks{cursors: make(map[string]string)}
}

func (m *memWatermarks) GetWatermark(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cursor, ok := m.cursors[name]
	return cursor, ok, nil
}

func (m *memWatermarks) SetWatermark(ctx context.Context, name, cursor string, runTS float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = cursor
	return nil
}
