// Package history maintains the rolling per-car window of recent lap
// snapshots that the enrichers read.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// DefaultSize is the number of lap snapshots retained per car.
const DefaultSize = 5

// Store holds the most recent lap snapshots per (event, car), newest first.
type Store interface {
	// AddLap pushes a completed-lap snapshot to the front of the car's
	// window and trims it to the configured size.
	AddLap(ctx context.Context, eventID int, carNumber string, pos timing.CarPosition) error
	// GetLaps returns deep copies of the car's window, newest first. Unknown
	// cars return an empty slice.
	GetLaps(ctx context.Context, eventID int, carNumber string) ([]timing.CarPosition, error)
}

func historyKey(eventID int, carNumber string) string {
	return fmt.Sprintf("carLapHistory:%d:%s", eventID, timing.NormalizeCarNumber(carNumber))
}

// MemoryStore is the in-process Store used in tests and local runs.
type MemoryStore struct {
	size int

	mu   sync.Mutex
	laps map[string][]timing.CarPosition
}

// NewMemoryStore builds a MemoryStore retaining size snapshots per car.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		return nil, fmt.Errorf("history size must be positive, got %d", size)
	}
	return &MemoryStore{size: size, laps: make(map[string][]timing.CarPosition)}, nil
}

// AddLap implements Store.
func (s *MemoryStore) AddLap(_ context.Context, eventID int, carNumber string, pos timing.CarPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey(eventID, carNumber)
	window := append([]timing.CarPosition{pos.Clone()}, s.laps[key]...)
	if len(window) > s.size {
		window = window[:s.size]
	}
	s.laps[key] = window
	return nil
}

// GetLaps implements Store.
func (s *MemoryStore) GetLaps(_ context.Context, eventID int, carNumber string) ([]timing.CarPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.laps[historyKey(eventID, carNumber)]
	out := make([]timing.CarPosition, 0, len(stored))
	for i := range stored {
		out = append(out, stored[i].Clone())
	}
	return out, nil
}
