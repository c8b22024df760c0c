// Package enrich derives secondary per-car fields from the canonical state
// and the rolling lap history. Every enricher is pure: inputs in, patches
// out; the applier folds the patches into state.
package enrich

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/history"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

const (
	// madScale converts median absolute deviation to a robust stddev
	// estimate for normally distributed lap times.
	madScale = 1.4826
	// madThreshold is how many scaled deviations from the median a lap may
	// sit before it is discarded as an outlier.
	madThreshold = 3.0
	// maxVariation rejects projection when lap times spread too widely.
	maxVariation = 0.10
	// projectionFloorMS guards against garbage input producing a
	// sub-10-second "lap".
	projectionFloorMS = 10000
	// fallbackReferenceMS anchors the plausibility window when no best
	// time is known.
	fallbackReferenceMS = 120000
	// recentWindow truncates the fallback sample to the freshest laps.
	recentWindow = 5
)

// ProjectedLapTimeMS estimates the car's next lap time in milliseconds from
// its recent history, newest first. Zero means "no projection".
func ProjectedLapTimeMS(car timing.CarPosition, laps []timing.CarPosition, currentFlag timing.Flag) int {
	if currentFlag != timing.FlagGreen && currentFlag != timing.FlagYellow {
		return 0
	}

	clean := make([]float64, 0, len(laps))
	sameFlag := make([]float64, 0, len(laps))
	for _, lap := range laps {
		if lap.LapIncludedPit {
			continue
		}
		ms := float64(timing.ParseLapTime(lap.LastLapTime).Milliseconds())
		if ms <= 0 {
			continue
		}
		clean = append(clean, ms)
		if lap.TrackFlag == currentFlag {
			sameFlag = append(sameFlag, ms)
		}
	}

	usable := sameFlag
	if len(usable) < 3 {
		usable = clean
		if len(usable) > recentWindow {
			usable = usable[:recentWindow]
		}
	}
	if len(usable) < 3 {
		return 0
	}

	filtered := filterOutliers(usable)
	if len(filtered) >= 2 {
		usable = filtered
	}

	mean := meanOf(usable)
	if mean <= 0 || stddevOf(usable, mean)/mean > maxVariation {
		return 0
	}

	projection := weightedAverage(usable)
	if projection < projectionFloorMS {
		return 0
	}

	reference := float64(fallbackReferenceMS)
	if currentFlag == timing.FlagYellow {
		reference = mean
	} else if best := float64(timing.ParseLapTime(car.BestTime).Milliseconds()); best > 0 {
		reference = best
	}
	if projection < 0.7*reference || projection > 3.0*reference {
		return 0
	}
	return int(math.Round(projection))
}

// filterOutliers drops laps that sit outside the MAD envelope and above
// twice the median. A lap merely outside the envelope but under 2x the
// median stays in; the variation check downstream decides its fate.
func filterOutliers(values []float64) []float64 {
	m := medianOf(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - m)
	}
	d := medianOf(deviations)
	lo := m - madThreshold*madScale*d
	hi := m + madThreshold*madScale*d

	out := make([]float64, 0, len(values))
	for _, v := range values {
		if (v < lo || v > hi) && v > 2*m {
			continue
		}
		out = append(out, v)
	}
	return out
}

// weightedAverage weights newest-first values linearly, the most recent lap
// counting the most.
func weightedAverage(values []float64) float64 {
	var sum, weights float64
	n := len(values)
	for i, v := range values {
		w := float64(n - i)
		sum += v * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(values)))
}

// Projector recomputes the lap-time projection when a car completes a lap.
type Projector struct {
	state *statecontext.Context
	laps  history.Store
}

// NewProjector builds the projection enricher.
func NewProjector(state *statecontext.Context, laps history.Store) (*Projector, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	if laps == nil {
		return nil, fmt.Errorf("history store is required")
	}
	return &Projector{state: state, laps: laps}, nil
}

// OnLapCompleted returns the projection patch for the completing car, nil
// when the projection did not change.
func (p *Projector) OnLapCompleted(ctx context.Context, completed timing.LapCompleted) (*timing.CarPositionPatch, error) {
	car, ok := p.state.GetCarByNumber(completed.CarNumber)
	if !ok {
		return nil, nil
	}
	laps, err := p.laps.GetLaps(ctx, p.state.EventID(), completed.CarNumber)
	if err != nil {
		return nil, fmt.Errorf("reading lap history for car %s: %w", completed.CarNumber, err)
	}
	flag, _ := p.state.GetCurrentFlagAndLap()

	projection := ProjectedLapTimeMS(car, laps, flag)
	if projection == car.ProjectedLapTimeMS {
		return nil, nil
	}
	return &timing.CarPositionPatch{Number: car.Number, ProjectedLapTimeMS: &projection}, nil
}
