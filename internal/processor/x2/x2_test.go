package x2

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

type staticRegistry map[uint64]string

func (r staticRegistry) CarNumberForTransponder(id uint64) (string, bool) {
	number, ok := r[id]
	return number, ok
}

type recordingSink struct {
	cars  []string
	kinds []timing.LoopKind
	patch *timing.CarPositionPatch
}

func (s *recordingSink) HandleLoopEvent(_ context.Context, car string, kind timing.LoopKind, _ int64) (*timing.CarPositionPatch, error) {
	s.cars = append(s.cars, car)
	s.kinds = append(s.kinds, kind)
	return s.patch, nil
}

func passingMessage(t *testing.T, passing timing.X2Passing) timing.TimingMessage {
	t.Helper()
	data, err := json.Marshal(passing)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return timing.TimingMessage{Type: timing.MessageX2Passing, Data: data}
}

func TestPassingResolvesThroughRegistry(t *testing.T) {
	t.Parallel()

	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	sink := &recordingSink{patch: &timing.CarPositionPatch{Number: "42", IsInPit: boolPtr(true)}}
	p, err := New(staticRegistry{5552233: "42"}, state, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := p.Process(context.Background(), passingMessage(t, timing.X2Passing{
		TransponderID: 5552233,
		LoopKind:      timing.LoopPitIn,
		TimestampMS:   1000,
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.cars) != 1 || sink.cars[0] != "42" || sink.kinds[0] != timing.LoopPitIn {
		t.Fatalf("unexpected sink calls: %v %v", sink.cars, sink.kinds)
	}
	if len(out.Cars) != 1 || out.Cars[0].Number != "42" {
		t.Fatalf("expected the sink patch forwarded, got %+v", out)
	}
}

func TestPassingFallsBackToStateContext(t *testing.T) {
	t.Parallel()

	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	state.UpdateCars([]timing.CarPosition{{Number: "7", TransponderID: 5551111}})
	sink := &recordingSink{}
	p, err := New(staticRegistry{}, state, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Process(context.Background(), passingMessage(t, timing.X2Passing{
		TransponderID: 5551111,
		LoopKind:      timing.LoopStartFinish,
		TimestampMS:   1000,
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.cars) != 1 || sink.cars[0] != "7" {
		t.Fatalf("expected fallback resolution to car 7, got %v", sink.cars)
	}
}

func TestUnknownTransponderIsSkipped(t *testing.T) {
	t.Parallel()

	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	sink := &recordingSink{}
	p, err := New(staticRegistry{}, state, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := p.Process(context.Background(), passingMessage(t, timing.X2Passing{
		TransponderID: 999,
		LoopKind:      timing.LoopPitIn,
		TimestampMS:   1000,
	}))
	if err != nil {
		t.Fatalf("unknown transponder must not error: %v", err)
	}
	if !out.IsEmpty() || len(sink.cars) != 0 {
		t.Fatalf("unknown transponder must be skipped, got %+v %v", out, sink.cars)
	}
}

func TestPassingJournalIncludesUnresolved(t *testing.T) {
	t.Parallel()

	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	p, err := New(staticRegistry{5552233: "42"}, state, &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for _, passing := range []timing.X2Passing{
		{TransponderID: 5552233, LoopKind: timing.LoopPitIn, TimestampMS: 1000},
		{TransponderID: 999, LoopKind: timing.LoopStartFinish, TimestampMS: 2000},
	} {
		if _, err := p.Process(ctx, passingMessage(t, passing)); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	journal := p.Passings()
	if len(journal) != 2 {
		t.Fatalf("journal must keep every decoded passing, got %d", len(journal))
	}
	if journal[1].TransponderID != 999 {
		t.Fatalf("unresolved passing missing from journal: %+v", journal)
	}
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	t.Parallel()

	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	p, err := New(staticRegistry{}, state, &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Process(context.Background(), timing.TimingMessage{
		Type: timing.MessageX2Passing,
		Data: []byte(`{"loopKind":"pit-in"}`),
	})
	if err == nil {
		t.Fatalf("payload without transponder must be rejected")
	}
}

func boolPtr(v bool) *bool { return &v }
