// Package store defines the durable persistence interfaces the pipeline
// writes through, with in-memory and DynamoDB implementations.
package store

import (
	"context"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// CarLapLog is one durable lap record. Records are append-only and
// deduplicated downstream by (event, session, car, lap), so at-least-once
// emission is acceptable.
type CarLapLog struct {
	RecordID     string      `json:"recordId"`
	EventID      int         `json:"eventId"`
	SessionID    int         `json:"sessionId"`
	CarNumber    string      `json:"carNumber"`
	LapNumber    int         `json:"lapNumber"`
	Flag         timing.Flag `json:"flag"`
	TimestampMS  int64       `json:"timestampMs"`
	SnapshotJSON string      `json:"snapshotJson"`
}

// LapLogStore appends durable lap records.
type LapLogStore interface {
	// Append persists one record. Writing a (event, session, car, lap) key
	// that already exists is not an error; the first write wins.
	Append(ctx context.Context, record CarLapLog) error
}

// CarLastLapStore persists the last completed lap per car, read on session
// start to resume counting.
type CarLastLapStore interface {
	Upsert(ctx context.Context, eventID, sessionID int, carNumber string, lastLap int) error
	// GetAll returns the last-lap map for a session keyed by normalized car
	// number. Unknown sessions return an empty map.
	GetAll(ctx context.Context, eventID, sessionID int) (map[string]int, error)
}

// FlagLogStore replaces the persisted flag timeline for a session. The
// persistence layer is the source of truth on restart.
type FlagLogStore interface {
	Replace(ctx context.Context, sessionID int, durations []timing.FlagDuration) error
	Load(ctx context.Context, sessionID int) ([]timing.FlagDuration, error)
}
