package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/history"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

func cleanLap(ms int64, flag timing.Flag) timing.CarPosition {
	return timing.CarPosition{
		Number:      "7",
		LastLapTime: timing.FormatLapTime(time.Duration(ms) * time.Millisecond),
		TrackFlag:   flag,
	}
}

func lapsFromMS(times []int64, flag timing.Flag) []timing.CarPosition {
	out := make([]timing.CarPosition, 0, len(times))
	for _, ms := range times {
		out = append(out, cleanLap(ms, flag))
	}
	return out
}

func TestProjectionRejectedOnInconsistentLaps(t *testing.T) {
	t.Parallel()

	// One 3-minute lap among 90-second laps pushes the coefficient of
	// variation past 10% even after outlier filtering keeps it.
	laps := lapsFromMS([]int64{90000, 90100, 90050, 180000, 89950}, timing.FlagGreen)
	car := timing.CarPosition{Number: "7", BestTime: "00:01:29.950"}

	if got := ProjectedLapTimeMS(car, laps, timing.FlagGreen); got != 0 {
		t.Fatalf("inconsistent laps must reject projection, got %d", got)
	}
}

func TestProjectionFiltersMADOutlier(t *testing.T) {
	t.Parallel()

	laps := lapsFromMS([]int64{90000, 89900, 90100, 300000, 90050}, timing.FlagGreen)
	car := timing.CarPosition{Number: "7", BestTime: "00:01:29.000"}

	got := ProjectedLapTimeMS(car, laps, timing.FlagGreen)
	if got == 0 {
		t.Fatalf("projection must survive after the outlier is filtered")
	}
	ref := int64(89000)
	if int64(got) < ref*7/10 || int64(got) > ref*3 {
		t.Fatalf("projection %d outside plausibility window around %d", got, ref)
	}
	// The 300000 outlier must not drag the weighted average far from the
	// remaining ~90s laps.
	if got < 89000 || got > 91000 {
		t.Fatalf("outlier not filtered, projection %d", got)
	}
}

func TestProjectionRules(t *testing.T) {
	t.Parallel()

	steady := []int64{90000, 90100, 89900, 90050, 89950}

	cases := []struct {
		name     string
		car      timing.CarPosition
		laps     []timing.CarPosition
		flag     timing.Flag
		wantZero bool
	}{
		{
			name:     "red flag rejects",
			car:      timing.CarPosition{Number: "7"},
			laps:     lapsFromMS(steady, timing.FlagGreen),
			flag:     timing.FlagRed,
			wantZero: true,
		},
		{
			name:     "fewer than three laps rejects",
			car:      timing.CarPosition{Number: "7"},
			laps:     lapsFromMS(steady[:2], timing.FlagGreen),
			flag:     timing.FlagGreen,
			wantZero: true,
		},
		{
			name: "pit laps are excluded",
			car:  timing.CarPosition{Number: "7"},
			laps: func() []timing.CarPosition {
				laps := lapsFromMS(steady, timing.FlagGreen)
				for i := range laps[:3] {
					laps[i].LapIncludedPit = true
				}
				return laps
			}(),
			flag:     timing.FlagGreen,
			wantZero: true,
		},
		{
			name:     "sub-floor times reject",
			car:      timing.CarPosition{Number: "7"},
			laps:     lapsFromMS([]int64{8000, 8100, 7900, 8050}, timing.FlagGreen),
			flag:     timing.FlagGreen,
			wantZero: true,
		},
		{
			name:     "yellow laps under green fall back to recent window",
			car:      timing.CarPosition{Number: "7", BestTime: "00:01:29.900"},
			laps:     lapsFromMS(steady, timing.FlagYellow),
			flag:     timing.FlagGreen,
			wantZero: false,
		},
		{
			name:     "projection far from best time rejects",
			car:      timing.CarPosition{Number: "7", BestTime: "00:00:25.000"},
			laps:     lapsFromMS(steady, timing.FlagGreen),
			flag:     timing.FlagGreen,
			wantZero: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ProjectedLapTimeMS(tc.car, tc.laps, tc.flag)
			if tc.wantZero && got != 0 {
				t.Fatalf("expected zero projection, got %d", got)
			}
			if !tc.wantZero && got == 0 {
				t.Fatalf("expected a projection")
			}
		})
	}
}

func TestProjectionIsDeterministic(t *testing.T) {
	t.Parallel()

	laps := lapsFromMS([]int64{90000, 89900, 90100, 90050, 89950}, timing.FlagGreen)
	car := timing.CarPosition{Number: "7", BestTime: "00:01:29.900"}

	first := ProjectedLapTimeMS(car, laps, timing.FlagGreen)
	for i := 0; i < 50; i++ {
		if got := ProjectedLapTimeMS(car, laps, timing.FlagGreen); got != first {
			t.Fatalf("projection not deterministic: %d then %d", first, got)
		}
	}
}

func TestProjectorEmitsOnlyOnChange(t *testing.T) {
	t.Parallel()

	state, err := statecontext.New(7)
	if err != nil {
		t.Fatalf("statecontext.New: %v", err)
	}
	laps, err := history.NewMemoryStore(5)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	projector, err := NewProjector(state, laps)
	if err != nil {
		t.Fatalf("NewProjector: %v", err)
	}
	ctx := context.Background()

	state.UpdateCars([]timing.CarPosition{{Number: "7", BestTime: "00:01:29.900"}})
	session := state.Session()
	session.CurrentFlag = timing.FlagGreen
	state.UpdateSession(session)

	for _, ms := range []int64{90000, 89900, 90100, 90050, 89950} {
		if err := laps.AddLap(ctx, 7, "7", cleanLap(ms, timing.FlagGreen)); err != nil {
			t.Fatalf("AddLap: %v", err)
		}
	}

	completed := timing.LapCompleted{CarNumber: "7", LapNumber: 5}
	patch, err := projector.OnLapCompleted(ctx, completed)
	if err != nil {
		t.Fatalf("OnLapCompleted: %v", err)
	}
	if patch == nil || patch.ProjectedLapTimeMS == nil || *patch.ProjectedLapTimeMS == 0 {
		t.Fatalf("expected a projection patch, got %+v", patch)
	}

	if applied := state.ApplyCarPatch(patch); applied == nil {
		t.Fatalf("patch must apply")
	}
	patch, err = projector.OnLapCompleted(ctx, completed)
	if err != nil {
		t.Fatalf("OnLapCompleted: %v", err)
	}
	if patch != nil {
		t.Fatalf("unchanged projection must not re-emit, got %+v", patch)
	}
}
