package lap

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
	"github.com/apexloop/race-timing-pipeline/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStamper struct {
	mu      sync.Mutex
	pitCars map[string]bool
}

func (s *fakeStamper) setPit(car string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pitCars == nil {
		s.pitCars = make(map[string]bool)
	}
	s.pitCars[timing.NormalizeCarNumber(car)] = true
}

func (s *fakeStamper) UpdateCarPositionForLogging(pos *timing.CarPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := timing.NormalizeCarNumber(pos.Number)
	pos.LapIncludedPit = s.pitCars[key]
	delete(s.pitCars, key)
}

type fixture struct {
	proc    *Processor
	state   *statecontext.Context
	mem     *store.Memory
	clock   *fakeClock
	stamper *fakeStamper

	mu      sync.Mutex
	emitted []timing.TimingMessage
}

func newFixture(t *testing.T, pitWait time.Duration) *fixture {
	t.Helper()
	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	f := &fixture{
		state:   state,
		mem:     store.NewMemory(),
		clock:   newFakeClock(),
		stamper: &fakeStamper{},
	}
	f.proc, err = New(state, f.mem, f.mem, nil, f.stamper, pitWait, Options{
		Emit: func(msg timing.TimingMessage) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.emitted = append(f.emitted, msg)
		},
		Now: f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) emittedMessages() []timing.TimingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]timing.TimingMessage, len(f.emitted))
	copy(out, f.emitted)
	return out
}

func sample(car string, lap int) timing.CarPosition {
	return timing.CarPosition{
		Number:           car,
		LastLapCompleted: lap,
		LastLapTime:      "00:01:30.000",
		TrackFlag:        timing.FlagGreen,
		OverallPosition:  1,
	}
}

func TestLapHeldForGraceWindowThenEmitted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.proc.Observe(ctx, sample("42", 1))
	if got := f.proc.PendingCount("42"); got != 1 {
		t.Fatalf("expected one buffered lap, got %d", got)
	}

	// Inside the grace window nothing is emitted.
	f.clock.Advance(400 * time.Millisecond)
	if err := f.proc.flushDue(ctx); err != nil {
		t.Fatalf("flushDue: %v", err)
	}
	if got := len(f.mem.LapLogs()); got != 0 {
		t.Fatalf("lap emitted inside grace window, got %d records", got)
	}

	f.clock.Advance(700 * time.Millisecond)
	if err := f.proc.flushDue(ctx); err != nil {
		t.Fatalf("flushDue: %v", err)
	}
	logs := f.mem.LapLogs()
	if len(logs) != 1 {
		t.Fatalf("expected one lap record, got %d", len(logs))
	}
	record := logs[0]
	if record.CarNumber != "42" || record.LapNumber != 1 || record.Flag != timing.FlagGreen {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.RecordID == "" {
		t.Fatalf("record must carry an id")
	}
	var snapshot timing.CarPosition
	if err := json.Unmarshal([]byte(record.SnapshotJSON), &snapshot); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snapshot.LapIncludedPit {
		t.Fatalf("clean lap must not be stamped as pit lap")
	}
}

func TestPitWithinGraceWindowStampsLap(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.proc.Observe(ctx, sample("42", 1))
	f.clock.Advance(400 * time.Millisecond)

	// Late pit event: fast-path flush with the pit stamp forced.
	f.proc.FlushCarPending(ctx, "42")

	logs := f.mem.LapLogs()
	if len(logs) != 1 {
		t.Fatalf("expected one lap record, got %d", len(logs))
	}
	var snapshot timing.CarPosition
	if err := json.Unmarshal([]byte(logs[0].SnapshotJSON), &snapshot); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snapshot.LapIncludedPit {
		t.Fatalf("lap flushed by a pit event must carry the pit stamp")
	}
	if got := f.proc.PendingCount("42"); got != 0 {
		t.Fatalf("queue must be empty after flush, got %d", got)
	}
}

func TestDuplicateSampleEmitsOneRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.proc.Observe(ctx, sample("42", 1))
	f.proc.Observe(ctx, sample("42", 1))
	f.clock.Advance(2 * time.Second)
	if err := f.proc.flushDue(ctx); err != nil {
		t.Fatalf("flushDue: %v", err)
	}
	if got := len(f.mem.LapLogs()); got != 1 {
		t.Fatalf("duplicate sample must not double-emit, got %d", got)
	}
}

func TestLapCounterIsMonotonic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.proc.Observe(ctx, sample("42", 3))
	// Regressed counter is ignored.
	f.proc.Observe(ctx, sample("42", 2))
	if got := f.proc.PendingCount("42"); got != 1 {
		t.Fatalf("regressed lap must not enqueue, got %d pending", got)
	}

	f.proc.Observe(ctx, sample("42", 4))
	if got := f.proc.PendingCount("42"); got != 2 {
		t.Fatalf("expected laps 3 and 4 pending, got %d", got)
	}
}

func TestGridSnapshotNeedsMaterialChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	grid := timing.CarPosition{Number: "42", OverallPosition: 5}
	f.proc.Observe(ctx, grid)
	if got := f.proc.PendingCount("42"); got != 1 {
		t.Fatalf("first grid snapshot with a position must enqueue, got %d", got)
	}

	// Identical grid snapshot is not a change.
	f.proc.Observe(ctx, grid)
	if got := f.proc.PendingCount("42"); got != 1 {
		t.Fatalf("identical grid snapshot must not enqueue, got %d", got)
	}

	moved := grid
	moved.OverallPosition = 4
	f.proc.Observe(ctx, moved)
	if got := f.proc.PendingCount("42"); got != 2 {
		t.Fatalf("changed grid snapshot must enqueue, got %d", got)
	}

	// Grid snapshots never touch the lap counter.
	f.proc.Observe(ctx, sample("42", 1))
	if got := f.proc.PendingCount("42"); got != 3 {
		t.Fatalf("lap 1 after grid snapshots must enqueue, got %d", got)
	}
}

func TestSeedingResumesCounting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	if err := f.mem.Upsert(ctx, 7, 0, "42", 10); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// A restart must not re-emit laps at or below the persisted counter.
	f.proc.Observe(ctx, sample("42", 9))
	f.proc.Observe(ctx, sample("42", 10))
	if got := f.proc.PendingCount("42"); got != 0 {
		t.Fatalf("stale laps must not enqueue after seeding, got %d", got)
	}
	f.proc.Observe(ctx, sample("42", 11))
	if got := f.proc.PendingCount("42"); got != 1 {
		t.Fatalf("next lap must enqueue, got %d", got)
	}
}

func TestFlushEmitsSyntheticLapCompleted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	s := sample("42", 1)
	s.Class = "GP1"
	f.proc.Observe(ctx, s)
	f.clock.Advance(2 * time.Second)
	if err := f.proc.flushDue(ctx); err != nil {
		t.Fatalf("flushDue: %v", err)
	}

	emitted := f.emittedMessages()
	if len(emitted) != 1 {
		t.Fatalf("expected one synthetic message, got %d", len(emitted))
	}
	if emitted[0].Type != timing.MessageLapCompleted {
		t.Fatalf("unexpected type %q", emitted[0].Type)
	}
	completed, err := timing.DecodeLapCompletedPayload(emitted[0].Data)
	if err != nil {
		t.Fatalf("synthetic payload must satisfy the schema: %v", err)
	}
	if completed.CarNumber != "42" || completed.LapNumber != 1 || completed.Class != "GP1" {
		t.Fatalf("unexpected payload: %+v", completed)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour) // grace window never elapses on its own
	ctx, cancel := context.WithCancel(context.Background())

	f.proc.Observe(ctx, sample("42", 1))
	f.proc.Observe(ctx, sample("7", 1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.proc.Run(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}

	if got := len(f.mem.LapLogs()); got != 2 {
		t.Fatalf("shutdown must drain buffered laps, got %d records", got)
	}
}

func TestPersistedLastLapAdvances(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.proc.Observe(ctx, sample("42", 1))
	f.clock.Advance(2 * time.Second)
	if err := f.proc.flushDue(ctx); err != nil {
		t.Fatalf("flushDue: %v", err)
	}

	counters, err := f.mem.GetAll(ctx, 7, 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if counters["42"] != 1 {
		t.Fatalf("expected persisted counter 1, got %v", counters)
	}
}
