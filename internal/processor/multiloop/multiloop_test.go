package multiloop

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

func newTestProcessor(t *testing.T) (*Processor, *statecontext.Context) {
	t.Helper()
	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	state.UpdateCars([]timing.CarPosition{{Number: "42"}})
	p, err := New(state)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, state
}

func crossingsMessage(t *testing.T, crossings []timing.SectionCrossing) timing.TimingMessage {
	t.Helper()
	data, err := json.Marshal(crossings)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return timing.TimingMessage{Type: timing.MessageMultiloop, Data: data}
}

func TestSectionsAccumulateAndRollOver(t *testing.T) {
	t.Parallel()

	p, state := newTestProcessor(t)
	ctx := context.Background()

	out, err := p.Process(ctx, crossingsMessage(t, []timing.SectionCrossing{
		{CarNumber: "42", Section: "S1", SectionTimeMS: 30000},
		{CarNumber: "42", Section: "S2", SectionTimeMS: 31000},
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Cars) != 2 {
		t.Fatalf("expected one patch per crossing, got %d", len(out.Cars))
	}

	car, _ := state.GetCarByNumber("42")
	if !reflect.DeepEqual(car.CompletedSections, []string{"S1", "S2"}) {
		t.Fatalf("unexpected sections: %v", car.CompletedSections)
	}

	// Seeing S1 again starts the next lap's accumulation.
	if _, err := p.Process(ctx, crossingsMessage(t, []timing.SectionCrossing{
		{CarNumber: "42", Section: "S1", SectionTimeMS: 29500},
	})); err != nil {
		t.Fatalf("Process: %v", err)
	}
	car, _ = state.GetCarByNumber("42")
	if !reflect.DeepEqual(car.CompletedSections, []string{"S1"}) {
		t.Fatalf("repeated section must roll over, got %v", car.CompletedSections)
	}
}

func TestBestSectionTracksMinimum(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t)
	ctx := context.Background()

	for _, ms := range []int{30000, 29500, 30200} {
		if _, err := p.Process(ctx, crossingsMessage(t, []timing.SectionCrossing{
			{CarNumber: "42", Section: "S1", SectionTimeMS: ms},
		})); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if got := p.BestSectionMS("42", "S1"); got != 29500 {
		t.Fatalf("expected best 29500, got %d", got)
	}
	if got := p.BestSectionMS("42", "S9"); got != 0 {
		t.Fatalf("unknown section must report zero, got %d", got)
	}
}

func TestUnknownCarCrossingIsSkipped(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t)
	out, err := p.Process(context.Background(), crossingsMessage(t, []timing.SectionCrossing{
		{CarNumber: "99", Section: "S1"},
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.IsEmpty() {
		t.Fatalf("crossing for unknown car must be skipped, got %+v", out)
	}
}

func TestResetClearsAccumulation(t *testing.T) {
	t.Parallel()

	p, state := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Process(ctx, crossingsMessage(t, []timing.SectionCrossing{
		{CarNumber: "42", Section: "S1"},
		{CarNumber: "42", Section: "S2"},
	})); err != nil {
		t.Fatalf("Process: %v", err)
	}

	p.Reset()
	state.UpdateCars([]timing.CarPosition{{Number: "42"}})
	if _, err := p.Process(ctx, crossingsMessage(t, []timing.SectionCrossing{
		{CarNumber: "42", Section: "S2"},
	})); err != nil {
		t.Fatalf("Process: %v", err)
	}
	car, _ := state.GetCarByNumber("42")
	if !reflect.DeepEqual(car.CompletedSections, []string{"S2"}) {
		t.Fatalf("reset must drop prior sections, got %v", car.CompletedSections)
	}
}

func TestCrossingJournalSurvivesReset(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Process(ctx, crossingsMessage(t, []timing.SectionCrossing{
		{CarNumber: "42", Section: "S1", SectionTimeMS: 30000},
		{CarNumber: "42", Section: "S2", SectionTimeMS: 31000},
	})); err != nil {
		t.Fatalf("Process: %v", err)
	}
	p.Reset()
	if _, err := p.Process(ctx, crossingsMessage(t, []timing.SectionCrossing{
		{CarNumber: "42", Section: "S1", SectionTimeMS: 29000},
	})); err != nil {
		t.Fatalf("Process: %v", err)
	}

	journal := p.Crossings()
	if len(journal) != 3 {
		t.Fatalf("journal must keep all crossings across resets, got %d", len(journal))
	}
	if journal[0].Section != "S1" || journal[2].SectionTimeMS != 29000 {
		t.Fatalf("journal order lost: %+v", journal)
	}
}

func TestMalformedCrossingsAreRejected(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t)
	_, err := p.Process(context.Background(), timing.TimingMessage{
		Type: timing.MessageMultiloop,
		Data: []byte(`[{"section":"S1"}]`),
	})
	if err == nil {
		t.Fatalf("crossing without car number must be rejected")
	}
}
