// Package lap detects lap completion, buffers a short grace window so late
// pit events can be correlated, and emits durable lap records.
package lap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/history"
	"github.com/apexloop/race-timing-pipeline/internal/observability/telemetry"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
	"github.com/apexloop/race-timing-pipeline/internal/schedule"
	"github.com/apexloop/race-timing-pipeline/internal/store"
)

// tickInterval is how often the grace scheduler looks for due entries.
const tickInterval = 100 * time.Millisecond

// Stamper marks a lap snapshot that touched the pit lane; the pit processor
// implements it.
type Stamper interface {
	UpdateCarPositionForLogging(pos *timing.CarPosition)
}

type pendingLap struct {
	snapshot   timing.CarPosition
	enqueuedAt time.Time
}

// Processor buffers completed laps for the pit grace window.
type Processor struct {
	state    *statecontext.Context
	logs     store.LapLogStore
	lastLaps store.CarLastLapStore
	laps     history.Store
	stamper  Stamper
	pitWait  time.Duration
	emit     func(timing.TimingMessage)
	now      func() time.Time

	mu           sync.Mutex
	seededFor    int
	seeded       bool
	lastLap      map[string]int
	pending      map[string][]pendingLap
	lastEnqueued map[string]timing.CarPosition
}

// Options configures optional collaborators.
type Options struct {
	// Emit receives the synthetic lap-completed message for each flushed
	// lap, re-entering the router so enrichers run.
	Emit func(timing.TimingMessage)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New builds a lap processor. The last-lap store and history store may be
// nil; seeding and history writes are then skipped.
func New(state *statecontext.Context, logs store.LapLogStore, lastLaps store.CarLastLapStore, laps history.Store, stamper Stamper, pitWait time.Duration, opts Options) (*Processor, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("lap log store is required")
	}
	if stamper == nil {
		return nil, fmt.Errorf("pit stamper is required")
	}
	if pitWait <= 0 {
		return nil, fmt.Errorf("pit wait must be positive, got %s", pitWait)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Processor{
		state:    state,
		logs:     logs,
		lastLaps: lastLaps,
		laps:     laps,
		stamper:  stamper,
		pitWait:  pitWait,
		emit:     opts.Emit,
		now:      now,
	}
	p.resetLocked()
	return p, nil
}

func (p *Processor) resetLocked() {
	p.seeded = false
	p.seededFor = 0
	p.lastLap = make(map[string]int)
	p.pending = make(map[string][]pendingLap)
	p.lastEnqueued = make(map[string]timing.CarPosition)
}

// Reset drops buffered laps and counters, called on session change.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// Observe inspects one car sample for lap completion and buffers a deep copy
// when a new lap (or a materially changed grid snapshot) is detected.
func (p *Processor) Observe(ctx context.Context, sample timing.CarPosition) {
	key := timing.NormalizeCarNumber(sample.Number)
	if key == "" {
		return
	}
	sessionID := p.state.Session().SessionID

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seedLocked(ctx, sessionID)

	last, known := p.lastLap[key]
	newLap := sample.LastLapCompleted > last || (!known && sample.LastLapCompleted > 0)
	gridSnapshot := sample.LastLapCompleted == 0 && p.materiallyDiffersLocked(key, sample)
	if !newLap && !gridSnapshot {
		return
	}

	// Lap counters only move forward; a lap 0 grid snapshot never
	// decrements what a live lap already established.
	if sample.LastLapCompleted > last {
		p.lastLap[key] = sample.LastLapCompleted
	}
	p.lastEnqueued[key] = sample.Clone()
	p.pending[key] = append(p.pending[key], pendingLap{
		snapshot:   sample.Clone(),
		enqueuedAt: p.now(),
	})
}

func (p *Processor) materiallyDiffersLocked(key string, sample timing.CarPosition) bool {
	prev, ok := p.lastEnqueued[key]
	if !ok {
		return sample.OverallPosition > 0 || sample.LastLapTime != ""
	}
	return prev.OverallPosition != sample.OverallPosition ||
		prev.LastLapTime != sample.LastLapTime ||
		prev.TotalTime != sample.TotalTime
}

// seedLocked loads persisted last-lap counters once per session so a restart
// resumes counting instead of re-emitting old laps.
func (p *Processor) seedLocked(ctx context.Context, sessionID int) {
	if p.lastLaps == nil || (p.seeded && p.seededFor == sessionID) {
		return
	}
	seeded, err := p.lastLaps.GetAll(ctx, p.state.EventID(), sessionID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int("session_id", sessionID).Msg("seeding last-lap counters failed, will retry")
		return
	}
	for car, lap := range seeded {
		if lap > p.lastLap[car] {
			p.lastLap[car] = lap
		}
	}
	p.seeded = true
	p.seededFor = sessionID
}

// Run drives the grace scheduler until the context is cancelled, then
// drains everything still buffered.
func (p *Processor) Run(ctx context.Context) {
	schedule.Tick(ctx, tickInterval, func(tickCtx context.Context) error {
		return p.flushDue(tickCtx)
	})
	p.drain(context.WithoutCancel(ctx))
}

// flushDue emits every buffered lap whose grace window has elapsed.
func (p *Processor) flushDue(ctx context.Context) error {
	now := p.now()

	p.mu.Lock()
	due := make([]pendingLap, 0, 4)
	for key, queue := range p.pending {
		i := 0
		for ; i < len(queue); i++ {
			if now.Sub(queue[i].enqueuedAt) < p.pitWait {
				break
			}
			due = append(due, queue[i])
		}
		if i > 0 {
			p.pending[key] = queue[i:]
		}
	}
	p.mu.Unlock()

	var firstErr error
	for _, entry := range due {
		if err := p.emitLap(ctx, entry, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushCarPending is the fast path: a pit event arrived for the car, so all
// of its buffered laps are emitted immediately as pit laps.
func (p *Processor) FlushCarPending(ctx context.Context, carNumber string) {
	key := timing.NormalizeCarNumber(carNumber)

	p.mu.Lock()
	queue := p.pending[key]
	delete(p.pending, key)
	p.mu.Unlock()

	for _, entry := range queue {
		if err := p.emitLap(ctx, entry, true); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("car_number", carNumber).Msg("flushing pit lap failed")
		}
	}
}

// DrainPending flushes every buffered lap immediately regardless of age.
// Called on session change so buffered laps land under the outgoing session.
func (p *Processor) DrainPending(ctx context.Context) {
	p.drain(ctx)
}

// drain flushes everything regardless of age, used at shutdown.
func (p *Processor) drain(ctx context.Context) {
	p.mu.Lock()
	remaining := make([]pendingLap, 0, 8)
	for _, queue := range p.pending {
		remaining = append(remaining, queue...)
	}
	p.pending = make(map[string][]pendingLap)
	p.mu.Unlock()

	for _, entry := range remaining {
		if err := p.emitLap(ctx, entry, false); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("draining buffered lap failed")
		}
	}
}

// emitLap stamps, persists and fans out one buffered lap.
func (p *Processor) emitLap(ctx context.Context, entry pendingLap, forcePit bool) error {
	snapshot := entry.snapshot.Clone()
	p.stamper.UpdateCarPositionForLogging(&snapshot)
	if forcePit {
		snapshot.LapIncludedPit = true
	}

	session := p.state.Session()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding lap snapshot: %w", err)
	}
	record := store.CarLapLog{
		RecordID:     uuid.NewString(),
		EventID:      session.EventID,
		SessionID:    session.SessionID,
		CarNumber:    snapshot.Number,
		LapNumber:    snapshot.LastLapCompleted,
		Flag:         snapshot.TrackFlag,
		TimestampMS:  entry.enqueuedAt.UnixMilli(),
		SnapshotJSON: string(payload),
	}
	if err := p.logs.Append(ctx, record); err != nil {
		return fmt.Errorf("appending lap record for car %s lap %d: %w", snapshot.Number, snapshot.LastLapCompleted, err)
	}

	if p.lastLaps != nil && snapshot.LastLapCompleted > 0 {
		if err := p.lastLaps.Upsert(ctx, session.EventID, session.SessionID, snapshot.Number, snapshot.LastLapCompleted); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("car_number", snapshot.Number).Msg("persisting last-lap counter failed")
		}
	}
	if p.laps != nil && snapshot.LastLapCompleted > 0 {
		if err := p.laps.AddLap(ctx, session.EventID, snapshot.Number, snapshot); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("car_number", snapshot.Number).Msg("recording lap history failed")
		}
	}

	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricLapsLogged, 1, "1", nil, telemetry.Correlation{
		EventID:   session.EventID,
		SessionID: session.SessionID,
		CarNumber: snapshot.Number,
		Component: "lap",
	})

	if p.emit != nil && snapshot.LastLapCompleted > 0 {
		completed := timing.LapCompleted{
			CarNumber: snapshot.Number,
			Class:     snapshot.Class,
			LapNumber: snapshot.LastLapCompleted,
		}
		data, err := json.Marshal(completed)
		if err != nil {
			return fmt.Errorf("encoding lap-completed message: %w", err)
		}
		p.emit(timing.TimingMessage{
			Type:        timing.MessageLapCompleted,
			Data:        data,
			TimestampMS: p.now().UnixMilli(),
		})
	}
	return nil
}

// PendingCount reports buffered laps for a car, for tests and diagnostics.
func (p *Processor) PendingCount(carNumber string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[timing.NormalizeCarNumber(carNumber)])
}
