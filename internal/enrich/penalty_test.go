package enrich

import (
	"testing"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

func TestPenaltyPatchesEqualize(t *testing.T) {
	t.Parallel()

	cars := []timing.CarPosition{
		{Number: "11", PenaltyWarnings: 1},
		{Number: "22"},
		{Number: "33", PenaltyWarnings: 2, PenaltyLaps: 1},
	}
	lookup := map[string]timing.CarPenalty{
		"11": {Warnings: 1},
		"22": {Warnings: 0, Laps: 1},
	}

	patches := PenaltyPatches(cars, lookup)
	if len(patches) != 2 {
		t.Fatalf("expected patches for 22 and 33, got %+v", patches)
	}

	byCar := map[string]timing.CarPositionPatch{}
	for _, p := range patches {
		byCar[p.Number] = p
	}
	if p := byCar["22"]; p.PenaltyLaps == nil || *p.PenaltyLaps != 1 || *p.PenaltyWarnings != 0 {
		t.Fatalf("unexpected patch for 22: %+v", p)
	}
	// Car 33 dropped from the rollup: explicit zeros clear the old values.
	if p := byCar["33"]; p.PenaltyWarnings == nil || *p.PenaltyWarnings != 0 || *p.PenaltyLaps != 0 {
		t.Fatalf("unexpected patch for 33: %+v", p)
	}
}

func TestPenaltyPatchesCaseInsensitiveKeys(t *testing.T) {
	t.Parallel()

	cars := []timing.CarPosition{{Number: "X7"}}
	lookup := map[string]timing.CarPenalty{"x7": {Warnings: 1}}

	patches := PenaltyPatches(cars, lookup)
	if len(patches) != 1 || patches[0].PenaltyWarnings == nil || *patches[0].PenaltyWarnings != 1 {
		t.Fatalf("lookup keys are normalized, got %+v", patches)
	}
}

func TestPenaltyPatchesNoChanges(t *testing.T) {
	t.Parallel()

	cars := []timing.CarPosition{{Number: "11", PenaltyWarnings: 1, PenaltyLaps: 2}}
	lookup := map[string]timing.CarPenalty{"11": {Warnings: 1, Laps: 2}}

	if patches := PenaltyPatches(cars, lookup); len(patches) != 0 {
		t.Fatalf("equal counters must not patch, got %+v", patches)
	}
}
