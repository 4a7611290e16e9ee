// Package inventory is the IO boundary to physical stock levels. Like the
// payment gateway, it classifies outcomes rather than leaking storage detail:
// a reservation either holds stock or reports the available shortfall.
package inventory

import (
	"context"
	"fmt"
	"sync"
)

// Inventory holds and releases physical stock.
type Inventory interface {
	// Reserve atomically holds quantity units of sku. When stock is short it
	// reports ok=false and the quantity still available.
	Reserve(ctx context.Context, sku string, quantity int) (ok bool, available int, err error)
	// Release returns quantity units of sku to the pool.
	Release(ctx context.Context, sku string, quantity int) error
}

// Memory is an in-process inventory for tests and the demo entrypoint.
type Memory struct {
	mu     sync.Mutex
	levels map[string]int
}

// NewMemory returns an inventory seeded with the given stock levels.
func NewMemory(levels map[string]int) *Memory {
	copied := make(map[string]int, len(levels))
	for sku, quantity := range levels {
		copied[sku] = quantity
	}
	return &Memory{levels: copied}
}

// Reserve holds stock when enough is available.
func (m *Memory) Reserve(_ context.Context, sku string, quantity int) (bool, int, error) {
	if quantity <= 0 {
		return false, 0, fmt.Errorf("reserve %s: quantity %d must be positive", sku, quantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	available := m.levels[sku]
	if available < quantity {
		return false, available, nil
	}
	m.levels[sku] = available - quantity
	return true, available - quantity, nil
}

// Release returns stock to the pool.
func (m *Memory) Release(_ context.Context, sku string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("release %s: quantity %d must be positive", sku, quantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[sku] += quantity
	return nil
}

// Level reports the free stock for sku.
func (m *Memory) Level(sku string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[sku]
}
