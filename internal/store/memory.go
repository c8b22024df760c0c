package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// Memory is an in-process implementation of all three store interfaces with
// the exact semantics of the durable backends. Used in tests and local runs.
type Memory struct {
	mu       sync.Mutex
	lapLogs  map[string]CarLapLog
	lapOrder []string
	lastLaps map[string]map[string]int
	flagLogs map[int][]timing.FlagDuration
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		lapLogs:  make(map[string]CarLapLog),
		lastLaps: make(map[string]map[string]int),
		flagLogs: make(map[int][]timing.FlagDuration),
	}
}

func lapKey(eventID, sessionID int, car string, lap int) string {
	return fmt.Sprintf("%d/%d/%s/%d", eventID, sessionID, timing.NormalizeCarNumber(car), lap)
}

func sessionKey(eventID, sessionID int) string {
	return fmt.Sprintf("%d/%d", eventID, sessionID)
}

// Append implements LapLogStore. First write per lap key wins.
func (m *Memory) Append(_ context.Context, record CarLapLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lapKey(record.EventID, record.SessionID, record.CarNumber, record.LapNumber)
	if _, exists := m.lapLogs[key]; exists {
		return nil
	}
	m.lapLogs[key] = record
	m.lapOrder = append(m.lapOrder, key)
	return nil
}

// LapLogs returns appended records in arrival order.
func (m *Memory) LapLogs() []CarLapLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CarLapLog, 0, len(m.lapOrder))
	for _, key := range m.lapOrder {
		out = append(out, m.lapLogs[key])
	}
	return out
}

// Upsert implements CarLastLapStore.
func (m *Memory) Upsert(_ context.Context, eventID, sessionID int, carNumber string, lastLap int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(eventID, sessionID)
	if _, ok := m.lastLaps[key]; !ok {
		m.lastLaps[key] = make(map[string]int)
	}
	m.lastLaps[key][timing.NormalizeCarNumber(carNumber)] = lastLap
	return nil
}

// GetAll implements CarLastLapStore.
func (m *Memory) GetAll(_ context.Context, eventID, sessionID int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for car, lap := range m.lastLaps[sessionKey(eventID, sessionID)] {
		out[car] = lap
	}
	return out, nil
}

// Replace implements FlagLogStore.
func (m *Memory) Replace(_ context.Context, sessionID int, durations []timing.FlagDuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]timing.FlagDuration, len(durations))
	copy(copied, durations)
	m.flagLogs[sessionID] = copied
	return nil
}

// Load implements FlagLogStore.
func (m *Memory) Load(_ context.Context, sessionID int) ([]timing.FlagDuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.flagLogs[sessionID]
	out := make([]timing.FlagDuration, len(stored))
	copy(out, stored)
	return out, nil
}
