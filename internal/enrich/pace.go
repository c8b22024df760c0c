package enrich

import (
	"context"
	"fmt"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/history"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

// Pace marks the car with the fastest recent average in each class.
type Pace struct {
	state  *statecontext.Context
	laps   history.Store
	window int
}

// NewPace builds the fastest-pace enricher. The window is the exact number
// of recent laps averaged; cars with fewer are not ranked.
func NewPace(state *statecontext.Context, laps history.Store, window int) (*Pace, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	if laps == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("pace window must be positive, got %d", window)
	}
	return &Pace{state: state, laps: laps, window: window}, nil
}

// OnLapCompleted re-ranks the completing car's class and returns marker
// patches for every car whose standing changed.
func (p *Pace) OnLapCompleted(ctx context.Context, completed timing.LapCompleted) ([]timing.CarPositionPatch, error) {
	class := completed.Class
	if class == "" {
		if car, ok := p.state.GetCarByNumber(completed.CarNumber); ok {
			class = car.Class
		}
	}
	classCars := p.state.GetClassCars(class)
	if len(classCars) == 0 {
		return nil, nil
	}

	winner := ""
	bestMean := 0.0
	for _, car := range classCars {
		laps, err := p.laps.GetLaps(ctx, p.state.EventID(), car.Number)
		if err != nil {
			return nil, fmt.Errorf("reading lap history for car %s: %w", car.Number, err)
		}
		mean, ok := p.recentMean(laps)
		if !ok {
			continue
		}
		if winner == "" || mean < bestMean {
			winner = timing.NormalizeCarNumber(car.Number)
			bestMean = mean
		}
	}

	patches := make([]timing.CarPositionPatch, 0, 2)
	for _, car := range classCars {
		want := winner != "" && timing.NormalizeCarNumber(car.Number) == winner
		if car.InClassFastestAveragePace == want {
			continue
		}
		marker := want
		patches = append(patches, timing.CarPositionPatch{
			Number:                    car.Number,
			InClassFastestAveragePace: &marker,
		})
	}
	return patches, nil
}

// recentMean averages exactly the window's worth of newest laps; cars that
// have not yet run that many are skipped rather than ranked on thin data.
func (p *Pace) recentMean(laps []timing.CarPosition) (float64, bool) {
	if len(laps) < p.window {
		return 0, false
	}
	var sum float64
	for _, lap := range laps[:p.window] {
		ms := float64(timing.ParseLapTime(lap.LastLapTime).Milliseconds())
		if ms <= 0 {
			return 0, false
		}
		sum += ms
	}
	return sum / float64(p.window), true
}
