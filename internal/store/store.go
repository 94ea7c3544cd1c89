// Package store persists the last known position of each covering.
package store

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when no position has been stored yet.
var ErrNotFound = errors.New("position not found")

// Memory keeps positions for the lifetime of the process only.
type Memory struct {
	mu        sync.RWMutex
	positions map[string]int
}

func NewMemory() *Memory {
	return &Memory{positions: map[string]int{}}
}

func (m *Memory) Get(name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	position, ok := m.positions[name]
	if !ok {
		return 0, errors.Wrap(ErrNotFound, name)
	}
	return position, nil
}

func (m *Memory) Set(name string, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[name] = position
	return nil
}
