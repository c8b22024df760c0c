// Package pit infers pit-in/pit-out from loop crossings and position flags
// and stamps completed laps that touched the pit lane.
package pit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

type phase int

const (
	phaseOnTrack phase = iota
	phasePitEntered
	phaseInPit
	phasePitExited
)

// stationaryAfter promotes pit_entered to in_pit when no stationary loop
// exists at the venue and the car has simply been in the lane this long.
const stationaryAfter = 10 * time.Second

type carPitState struct {
	phase           phase
	enteredAtMS     int64
	pitSinceLastLog bool
	viaPitStraight  bool
}

// Processor tracks per-car pit state for one session.
type Processor struct {
	state *statecontext.Context

	mu   sync.Mutex
	cars map[string]*carPitState

	pitListeners []func(carNumber string)
}

// New builds a pit processor bound to the pipeline's state context.
func New(state *statecontext.Context) (*Processor, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	return &Processor{state: state, cars: make(map[string]*carPitState)}, nil
}

// OnPitEvent registers a callback invoked when a car's pit state advances.
// The lap processor uses this to flush buffered laps early. Registration is
// wiring-time only.
func (p *Processor) OnPitEvent(fn func(carNumber string)) {
	if fn == nil {
		return
	}
	p.pitListeners = append(p.pitListeners, fn)
}

// Reset drops all per-car pit state, called on session change.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cars = make(map[string]*carPitState)
}

func (p *Processor) carState(key string) *carPitState {
	s, ok := p.cars[key]
	if !ok {
		s = &carPitState{}
		p.cars[key] = s
	}
	return s
}

// HandleLoopEvent advances the car's pit state machine for one loop crossing
// and returns the effective patch, nil when nothing changed.
func (p *Processor) HandleLoopEvent(ctx context.Context, carNumber string, kind timing.LoopKind, timestampMS int64) (*timing.CarPositionPatch, error) {
	log := zerolog.Ctx(ctx)
	key := timing.NormalizeCarNumber(carNumber)
	if key == "" {
		return nil, fmt.Errorf("car_number is required")
	}

	p.mu.Lock()
	s := p.carState(key)
	s.promoteStationary(timestampMS)

	var patch *timing.CarPositionPatch
	pitAdvanced := false

	switch kind {
	case timing.LoopPitIn:
		if s.phase == phaseOnTrack || s.phase == phasePitExited {
			s.phase = phasePitEntered
			s.enteredAtMS = timestampMS
			s.pitSinceLastLog = true
			pitAdvanced = true
			patch = pitPatch(carNumber, patchEnteredPit)
		}
	case timing.LoopPitStationary:
		if s.phase == phasePitEntered {
			s.phase = phaseInPit
			pitAdvanced = true
			patch = pitPatch(carNumber, patchInPit)
		}
	case timing.LoopPitOut:
		if s.phase == phasePitEntered || s.phase == phaseInPit {
			if timestampMS < s.enteredAtMS {
				log.Warn().
					Str("car_number", carNumber).
					Int64("entered_at_ms", s.enteredAtMS).
					Int64("timestamp_ms", timestampMS).
					Msg("dropping pit exit that precedes pit entry")
				p.mu.Unlock()
				return nil, nil
			}
			s.phase = phasePitExited
			pitAdvanced = true
			patch = pitPatch(carNumber, patchExitedPit)
		}
	case timing.LoopPitStartFinish:
		s.viaPitStraight = true
		s.pitSinceLastLog = true
		pitAdvanced = true
		patch = pitPatch(carNumber, patchPitStartFinish)
	case timing.LoopStartFinish:
		if s.phase == phasePitExited || s.viaPitStraight {
			s.phase = phaseOnTrack
			s.viaPitStraight = false
			patch = pitPatch(carNumber, patchOnTrack)
		}
	}
	p.mu.Unlock()

	if pitAdvanced {
		for _, fn := range p.pitListeners {
			fn(carNumber)
		}
	}
	if patch == nil {
		return nil, nil
	}
	return p.state.ApplyCarPatch(patch), nil
}

// promoteStationary advances pit_entered to in_pit once the dwell exceeds
// the stationary threshold, for venues without a stationary loop.
func (s *carPitState) promoteStationary(nowMS int64) {
	if s.phase == phasePitEntered && nowMS-s.enteredAtMS >= stationaryAfter.Milliseconds() {
		s.phase = phaseInPit
	}
}

// ObservePositionFlags folds pit edge flags carried on a position sample
// into the state machine. Used when the base feed, not the loop decoder,
// reports the pit transition.
func (p *Processor) ObservePositionFlags(ctx context.Context, pos timing.CarPosition, timestampMS int64) (*timing.CarPositionPatch, error) {
	switch {
	case pos.IsEnteredPit:
		return p.HandleLoopEvent(ctx, pos.Number, timing.LoopPitIn, timestampMS)
	case pos.IsExitedPit:
		return p.HandleLoopEvent(ctx, pos.Number, timing.LoopPitOut, timestampMS)
	case pos.IsPitStartFinish:
		return p.HandleLoopEvent(ctx, pos.Number, timing.LoopPitStartFinish, timestampMS)
	default:
		return nil, nil
	}
}

// UpdateCarPositionForLogging stamps LapIncludedPit on a lap snapshot about
// to be logged: true iff the car touched any pit state during that lap. The
// marker is consumed by the call.
func (p *Processor) UpdateCarPositionForLogging(pos *timing.CarPosition) {
	if pos == nil {
		return
	}
	key := timing.NormalizeCarNumber(pos.Number)
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.cars[key]
	if !ok {
		pos.LapIncludedPit = false
		return
	}
	pos.LapIncludedPit = s.pitSinceLastLog || s.phase != phaseOnTrack
	s.pitSinceLastLog = false
}

type pitShape int

const (
	patchEnteredPit pitShape = iota
	patchInPit
	patchExitedPit
	patchPitStartFinish
	patchOnTrack
)

// pitPatch renders one transition as a patch. Edge flags are true only on
// their transition sample; every shape clears the others explicitly.
func pitPatch(carNumber string, shape pitShape) *timing.CarPositionPatch {
	patch := &timing.CarPositionPatch{
		Number:           carNumber,
		IsEnteredPit:     boolPtr(false),
		IsExitedPit:      boolPtr(false),
		IsInPit:          boolPtr(false),
		IsPitStartFinish: boolPtr(false),
	}
	switch shape {
	case patchEnteredPit:
		patch.IsEnteredPit = boolPtr(true)
		patch.IsInPit = boolPtr(true)
	case patchInPit:
		patch.IsInPit = boolPtr(true)
	case patchExitedPit:
		patch.IsExitedPit = boolPtr(true)
	case patchPitStartFinish:
		patch.IsPitStartFinish = boolPtr(true)
	case patchOnTrack:
	}
	return patch
}

func boolPtr(v bool) *bool { return &v }
