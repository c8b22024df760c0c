package enrich

import (
	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// PenaltyPatches equalizes per-car penalty counters against the control-log
// rollup. A car absent from the lookup is treated as (0,0), so stale
// penalties clear with explicit zero values.
func PenaltyPatches(cars []timing.CarPosition, lookup map[string]timing.CarPenalty) []timing.CarPositionPatch {
	patches := make([]timing.CarPositionPatch, 0, len(lookup))
	for _, car := range cars {
		want := lookup[timing.NormalizeCarNumber(car.Number)]
		if car.PenaltyWarnings == want.Warnings && car.PenaltyLaps == want.Laps {
			continue
		}
		warnings, laps := want.Warnings, want.Laps
		patches = append(patches, timing.CarPositionPatch{
			Number:          car.Number,
			PenaltyWarnings: &warnings,
			PenaltyLaps:     &laps,
		})
	}
	return patches
}
