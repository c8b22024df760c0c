package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/history"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

func paceFixture(t *testing.T) (*Pace, *statecontext.Context, *history.MemoryStore) {
	t.Helper()
	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	laps, err := history.NewMemoryStore(5)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	pace, err := NewPace(state, laps, 5)
	if err != nil {
		t.Fatalf("NewPace: %v", err)
	}
	return pace, state, laps
}

func addLaps(t *testing.T, laps *history.MemoryStore, car string, times []int64) {
	t.Helper()
	for _, ms := range times {
		lap := timing.CarPosition{
			Number:      car,
			LastLapTime: timing.FormatLapTime(time.Duration(ms) * time.Millisecond),
			TrackFlag:   timing.FlagGreen,
		}
		if err := laps.AddLap(context.Background(), 7, car, lap); err != nil {
			t.Fatalf("AddLap: %v", err)
		}
	}
}

func TestFastestPaceMarksClassWinner(t *testing.T) {
	t.Parallel()

	pace, state, laps := paceFixture(t)
	ctx := context.Background()

	state.UpdateCars([]timing.CarPosition{
		{Number: "42", Class: "GP1"},
		{Number: "7", Class: "GP1"},
		{Number: "88", Class: "GP2"},
	})
	addLaps(t, laps, "42", []int64{90000, 90100, 90050, 89900, 90000})
	addLaps(t, laps, "7", []int64{89000, 89100, 89050, 88900, 89000})
	addLaps(t, laps, "88", []int64{85000, 85100, 85050, 84900, 85000})

	patches, err := pace.OnLapCompleted(ctx, timing.LapCompleted{CarNumber: "7", Class: "GP1", LapNumber: 5})
	if err != nil {
		t.Fatalf("OnLapCompleted: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected one marker patch, got %+v", patches)
	}
	if patches[0].Number != "7" || patches[0].InClassFastestAveragePace == nil || !*patches[0].InClassFastestAveragePace {
		t.Fatalf("car 7 must be marked fastest in GP1, got %+v", patches[0])
	}
}

func TestFastestPaceMarkerMoves(t *testing.T) {
	t.Parallel()

	pace, state, laps := paceFixture(t)
	ctx := context.Background()

	state.UpdateCars([]timing.CarPosition{
		{Number: "42", Class: "GP1", InClassFastestAveragePace: true},
		{Number: "7", Class: "GP1"},
	})
	addLaps(t, laps, "42", []int64{90000, 90100, 90050, 89900, 90000})
	addLaps(t, laps, "7", []int64{89000, 89100, 89050, 88900, 89000})

	patches, err := pace.OnLapCompleted(ctx, timing.LapCompleted{CarNumber: "7", Class: "GP1", LapNumber: 5})
	if err != nil {
		t.Fatalf("OnLapCompleted: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("expected set and clear patches, got %+v", patches)
	}
	byCar := map[string]bool{}
	for _, p := range patches {
		if p.InClassFastestAveragePace == nil {
			t.Fatalf("marker pointer missing: %+v", p)
		}
		byCar[p.Number] = *p.InClassFastestAveragePace
	}
	if byCar["42"] || !byCar["7"] {
		t.Fatalf("marker must move from 42 to 7, got %v", byCar)
	}
}

func TestCarsWithShortHistoryAreNotRanked(t *testing.T) {
	t.Parallel()

	pace, state, laps := paceFixture(t)
	ctx := context.Background()

	state.UpdateCars([]timing.CarPosition{
		{Number: "42", Class: "GP1"},
		{Number: "7", Class: "GP1"},
	})
	// Car 7 is faster but has only four laps.
	addLaps(t, laps, "42", []int64{90000, 90100, 90050, 89900, 90000})
	addLaps(t, laps, "7", []int64{85000, 85100, 85050, 84900})

	patches, err := pace.OnLapCompleted(ctx, timing.LapCompleted{CarNumber: "7", Class: "GP1", LapNumber: 4})
	if err != nil {
		t.Fatalf("OnLapCompleted: %v", err)
	}
	if len(patches) != 1 || patches[0].Number != "42" {
		t.Fatalf("only the car with a full window may win, got %+v", patches)
	}
}

func TestNoRankableCarsEmitsNothing(t *testing.T) {
	t.Parallel()

	pace, state, _ := paceFixture(t)
	state.UpdateCars([]timing.CarPosition{{Number: "42", Class: "GP1"}})

	patches, err := pace.OnLapCompleted(context.Background(), timing.LapCompleted{CarNumber: "42", Class: "GP1", LapNumber: 1})
	if err != nil {
		t.Fatalf("OnLapCompleted: %v", err)
	}
	if len(patches) != 0 {
		t.Fatalf("no full windows means no markers, got %+v", patches)
	}
}
