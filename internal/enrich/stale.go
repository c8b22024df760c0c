package enrich

import (
	"fmt"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

const (
	// pctOverAfterCaution widens the staleness threshold for cars still
	// carrying the green marker after the session went yellow; the field
	// bunches up and gaps stretch without anything being wrong.
	pctOverAfterCaution = 1.1
	// pctOverAfterRestart tightens it for cars still carrying the yellow
	// marker after the session went back green.
	pctOverAfterRestart = 0.05
)

// Stale flags cars that have not crossed a timing point for noticeably
// longer than their own recent lap time.
type Stale struct {
	state   *statecontext.Context
	pctOver float64
}

// NewStale builds the stale-car sweeper with the default threshold used
// when session and car flag agree.
func NewStale(state *statecontext.Context, pctOver float64) (*Stale, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	if pctOver <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive, got %v", pctOver)
	}
	return &Stale{state: state, pctOver: pctOver}, nil
}

// Sweep evaluates every car once and returns patches for cars whose
// staleness changed. Runs periodically, not per message.
func (s *Stale) Sweep() []timing.CarPositionPatch {
	session := s.state.Session()
	if session.LeaderLap < 3 {
		return nil
	}
	flag := session.CurrentFlag
	if flag != timing.FlagGreen && flag != timing.FlagYellow && flag != timing.FlagWhite {
		return nil
	}
	raceTime := timing.ParseLapTime(session.RunningRaceTime).Milliseconds()
	if raceTime <= 0 {
		return nil
	}

	var patches []timing.CarPositionPatch
	for _, car := range s.state.Cars() {
		stale := s.isStale(car, flag, raceTime)
		if stale == car.IsStale {
			continue
		}
		marker := stale
		patches = append(patches, timing.CarPositionPatch{Number: car.Number, IsStale: &marker})
	}
	return patches
}

func (s *Stale) isStale(car timing.CarPosition, sessionFlag timing.Flag, raceTimeMS int64) bool {
	if car.LastLapCompleted == 0 {
		return true
	}
	lastLapMS := timing.ParseLapTime(car.LastLapTime).Milliseconds()
	totalMS := timing.ParseLapTime(car.TotalTime).Milliseconds()
	gap := float64(raceTimeMS - totalMS)

	pctOver := s.pctOver
	switch {
	case sessionFlag == timing.FlagYellow && car.TrackFlag == timing.FlagGreen:
		pctOver = pctOverAfterCaution
	case sessionFlag == timing.FlagGreen && car.TrackFlag == timing.FlagYellow:
		pctOver = pctOverAfterRestart
	}
	return gap > float64(lastLapMS)*(1+pctOver)
}
