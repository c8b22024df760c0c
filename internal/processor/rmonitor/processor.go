// Package rmonitor processes the line-oriented base timing protocol that is
// authoritative for car identity, lap counts, positions and session identity.
package rmonitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/observability/telemetry"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

type sessionPhase int

const (
	phaseWaitingSession sessionPhase = iota
	phaseActive
)

// competitor is the protocol-level registration and running state for one
// entry, keyed by the protocol's registration number.
type competitor struct {
	regNo       string
	number      string
	transponder uint64
	classID     string
	driverName  string

	overallPosition int
	laps            int
	totalTime       string
	bestTime        string
	lastLapTime     string
	lapStartMS      int64
}

// Result is what one message yields: patches to publish and whether the
// session identity changed (subscribers must resync).
type Result struct {
	Updates timing.PatchUpdates
	Reset   bool
}

// Processor holds the protocol state machine for one pipeline.
type Processor struct {
	state *statecontext.Context

	mu           sync.Mutex
	phase        sessionPhase
	runID        int
	runName      string
	classes      map[string]string
	competitors  map[string]*competitor
	startOverall map[string]int
	startInClass map[string]int
	lapsToGo     int
	timeToGo     string
	raceTime     string
	currentFlag  timing.Flag

	resetListeners []func()
}

// New builds a processor bound to the pipeline's state context.
func New(state *statecontext.Context) (*Processor, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	p := &Processor{state: state}
	p.clearProtocolStateLocked()
	return p, nil
}

// OnReset registers a callback invoked whenever the session identity changes.
// Registration is wiring-time only, before the first message.
func (p *Processor) OnReset(fn func()) {
	if fn == nil {
		return
	}
	p.resetListeners = append(p.resetListeners, fn)
}

func (p *Processor) clearProtocolStateLocked() {
	p.classes = make(map[string]string)
	p.competitors = make(map[string]*competitor)
	p.startOverall = make(map[string]int)
	p.startInClass = make(map[string]int)
	p.lapsToGo = 0
	p.timeToGo = ""
	p.raceTime = ""
	p.currentFlag = timing.FlagUnknown
}

// Process parses one message worth of protocol lines. Each heartbeat line
// closes a batch and folds the proposed car list into the state context.
// Malformed lines are skipped; the batch survives.
func (p *Processor) Process(ctx context.Context, msg timing.TimingMessage) (Result, error) {
	log := zerolog.Ctx(ctx)
	emitter := telemetry.DefaultEmitter()

	p.mu.Lock()
	defer p.mu.Unlock()

	var out Result
	for _, line := range strings.Split(string(msg.Data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			log.Debug().Err(err).Str("line", strings.TrimSpace(line)).Msg("skipping malformed timing line")
			emitter.EmitMetric(telemetry.MetricParseFailures, 1, "1", nil, telemetry.Correlation{
				EventID:   p.state.EventID(),
				Component: "rmonitor",
			})
			continue
		}
		if err := p.handleRecordLocked(log, rec, msg.TimestampMS, &out); err != nil {
			log.Debug().Err(err).Str("command", rec.command).Msg("skipping malformed timing record")
			emitter.EmitMetric(telemetry.MetricParseFailures, 1, "1", nil, telemetry.Correlation{
				EventID:   p.state.EventID(),
				Component: "rmonitor",
			})
		}
	}
	return out, nil
}

func (p *Processor) handleRecordLocked(log *zerolog.Logger, rec record, timestampMS int64, out *Result) error {
	switch rec.command {
	case "$I":
		p.resetLocked(0, "")
		out.Reset = true
		log.Info().Msg("timing feed initialized, session state cleared")
		return nil
	case "$B":
		return p.handleSessionLocked(log, rec, out)
	case "$C":
		if rec.str(0) == "" {
			return fmt.Errorf("class id is required")
		}
		p.classes[rec.str(0)] = rec.str(1)
		return nil
	case "$A":
		return p.handleCompetitorA(rec)
	case "$COMP":
		return p.handleCompetitorComp(rec)
	case "$G":
		return p.handleRacePosition(rec, timestampMS)
	case "$H":
		return p.handlePracticeBest(rec)
	case "$J":
		return p.handlePassing(rec)
	case "$F":
		return p.handleHeartbeatLocked(rec, out)
	default:
		log.Debug().Str("command", rec.command).Msg("ignoring unknown timing record")
		return nil
	}
}

func (p *Processor) handleSessionLocked(log *zerolog.Logger, rec record, out *Result) error {
	runID, err := rec.num(0)
	if err != nil {
		return err
	}
	runName := rec.str(1)

	if p.phase == phaseActive && (runID != p.runID || runName != p.runName) {
		log.Info().
			Int("previous_session_id", p.runID).
			Int("session_id", runID).
			Str("session_name", runName).
			Msg("session changed, resetting state")
		p.resetLocked(runID, runName)
		out.Reset = true
	}
	p.runID = runID
	p.runName = runName
	if p.phase == phaseWaitingSession {
		p.phase = phaseActive
		p.state.Reset(runID, runName)
	}
	return nil
}

func (p *Processor) resetLocked(runID int, runName string) {
	// Listeners run before the state rebinds so anything they flush is
	// still attributed to the outgoing session.
	for _, fn := range p.resetListeners {
		fn()
	}
	p.clearProtocolStateLocked()
	p.phase = phaseWaitingSession
	p.runID = runID
	p.runName = runName
	p.state.Reset(runID, runName)
}

func (p *Processor) handleCompetitorA(rec record) error {
	regNo := rec.str(0)
	if regNo == "" {
		return fmt.Errorf("registration number is required")
	}
	c := p.competitorLocked(regNo)
	c.number = rec.str(1)
	if tx, err := rec.uint64At(2); err == nil {
		c.transponder = tx
	}
	c.driverName = strings.TrimSpace(rec.str(3) + " " + rec.str(4))
	c.classID = rec.str(6)
	return nil
}

func (p *Processor) handleCompetitorComp(rec record) error {
	regNo := rec.str(0)
	if regNo == "" {
		return fmt.Errorf("registration number is required")
	}
	c := p.competitorLocked(regNo)
	c.number = rec.str(1)
	c.classID = rec.str(2)
	c.driverName = strings.TrimSpace(rec.str(3) + " " + rec.str(4))
	return nil
}

func (p *Processor) handleRacePosition(rec record, timestampMS int64) error {
	position, err := rec.num(0)
	if err != nil {
		return err
	}
	regNo := rec.str(1)
	if regNo == "" {
		return fmt.Errorf("registration number is required")
	}
	c := p.competitorLocked(regNo)
	c.overallPosition = position
	if laps, err := rec.num(2); err == nil {
		if laps > c.laps {
			c.lapStartMS = timestampMS
		}
		c.laps = laps
	}
	if total := rec.str(3); total != "" {
		c.totalTime = total
	}
	return nil
}

func (p *Processor) handlePracticeBest(rec record) error {
	regNo := rec.str(1)
	if regNo == "" {
		return fmt.Errorf("registration number is required")
	}
	c := p.competitorLocked(regNo)
	if best := rec.str(3); best != "" {
		c.bestTime = best
	}
	return nil
}

func (p *Processor) handlePassing(rec record) error {
	regNo := rec.str(0)
	if regNo == "" {
		return fmt.Errorf("registration number is required")
	}
	c := p.competitorLocked(regNo)
	if lapTime := rec.str(1); lapTime != "" {
		c.lastLapTime = lapTime
	}
	if total := rec.str(2); total != "" {
		c.totalTime = total
	}
	return nil
}

func (p *Processor) competitorLocked(regNo string) *competitor {
	c, ok := p.competitors[regNo]
	if !ok {
		c = &competitor{regNo: regNo, overallPosition: timing.InvalidPosition}
		p.competitors[regNo] = c
	}
	return c
}

// handleHeartbeatLocked closes a batch: session scalars update, then the
// proposed car list is folded into the state context.
func (p *Processor) handleHeartbeatLocked(rec record, out *Result) error {
	if lapsToGo, err := rec.num(0); err == nil {
		p.lapsToGo = lapsToGo
	}
	if v := rec.str(1); v != "" {
		p.timeToGo = v
	}
	if v := rec.str(3); v != "" {
		p.raceTime = v
	}
	if flag := timing.ParseFlag(rec.str(4)); flag != timing.FlagUnknown {
		p.currentFlag = flag
	}

	if p.phase != phaseActive {
		return nil
	}

	cars := p.buildCarListLocked()
	if patches := p.state.UpdateCars(cars); len(patches) > 0 {
		out.Updates.Cars = append(out.Updates.Cars, patches...)
	}

	session := p.state.Session()
	session.SessionID = p.runID
	session.SessionName = p.runName
	session.SessionType = timing.InferSessionType(p.runName)
	session.LapsToGo = p.lapsToGo
	session.TimeToGo = p.timeToGo
	session.RunningRaceTime = p.raceTime
	session.CurrentFlag = p.currentFlag
	session.LeaderLap = leaderLap(cars)
	if patch := p.state.UpdateSession(session); patch != nil {
		out.Updates.Session = patch
	}
	return nil
}

func leaderLap(cars []timing.CarPosition) int {
	leader := 0
	for _, car := range cars {
		if car.LastLapCompleted > leader {
			leader = car.LastLapCompleted
		}
	}
	return leader
}

// buildCarListLocked renders protocol state as the proposed car list,
// computing class positions, starting positions and gained/best markers.
func (p *Processor) buildCarListLocked() []timing.CarPosition {
	cars := make([]timing.CarPosition, 0, len(p.competitors))
	for _, c := range p.competitors {
		if c.number == "" {
			continue
		}
		cars = append(cars, timing.CarPosition{
			Number:                  c.number,
			TransponderID:           c.transponder,
			Class:                   p.classes[c.classID],
			OverallPosition:         c.overallPosition,
			ClassPosition:           timing.InvalidPosition,
			OverallStartingPosition: timing.InvalidPosition,
			InClassStartingPosition: timing.InvalidPosition,
			OverallPositionsGained:  timing.InvalidPosition,
			InClassPositionsGained:  timing.InvalidPosition,
			BestTime:                c.bestTime,
			LastLapTime:             c.lastLapTime,
			TotalTime:               c.totalTime,
			LastLapCompleted:        c.laps,
			LapStartTimeMS:          c.lapStartMS,
			TrackFlag:               p.currentFlag,
			DriverName:              c.driverName,
		})
	}

	p.fillClassPositions(cars)
	p.fillStartingPositions(cars)
	markBestTimes(cars)
	markMostPositionsGained(cars)
	return cars
}

// fillClassPositions orders each class by overall position. Cars without a
// known overall position keep the sentinel.
func (p *Processor) fillClassPositions(cars []timing.CarPosition) {
	byClass := make(map[string][]int)
	for i, car := range cars {
		if car.OverallPosition > 0 {
			byClass[car.Class] = append(byClass[car.Class], i)
		}
	}
	for _, indices := range byClass {
		sort.Slice(indices, func(a, b int) bool {
			return cars[indices[a]].OverallPosition < cars[indices[b]].OverallPosition
		})
		for rank, i := range indices {
			cars[i].ClassPosition = rank + 1
		}
	}
}

// fillStartingPositions records the first real position seen per car this
// session and derives positions gained. Unknown start keeps the sentinel so
// a later real value is not reported as a change from nothing.
func (p *Processor) fillStartingPositions(cars []timing.CarPosition) {
	for i := range cars {
		key := timing.NormalizeCarNumber(cars[i].Number)
		if cars[i].OverallPosition > 0 {
			if _, ok := p.startOverall[key]; !ok {
				p.startOverall[key] = cars[i].OverallPosition
			}
			cars[i].OverallStartingPosition = p.startOverall[key]
			cars[i].OverallPositionsGained = p.startOverall[key] - cars[i].OverallPosition
		}
		if cars[i].ClassPosition > 0 {
			if _, ok := p.startInClass[key]; !ok {
				p.startInClass[key] = cars[i].ClassPosition
			}
			cars[i].InClassStartingPosition = p.startInClass[key]
			cars[i].InClassPositionsGained = p.startInClass[key] - cars[i].ClassPosition
		}
	}
}

func markBestTimes(cars []timing.CarPosition) {
	bestOverall := -1
	bestByClass := make(map[string]int)
	var bestOverallTime time.Duration
	bestClassTime := make(map[string]time.Duration)

	for i, car := range cars {
		t := timing.ParseLapTime(car.BestTime)
		if t <= 0 {
			continue
		}
		if bestOverall < 0 || t < bestOverallTime {
			bestOverall = i
			bestOverallTime = t
		}
		if _, ok := bestByClass[car.Class]; !ok || t < bestClassTime[car.Class] {
			bestByClass[car.Class] = i
			bestClassTime[car.Class] = t
		}
	}
	if bestOverall >= 0 {
		cars[bestOverall].IsBestTime = true
	}
	for _, i := range bestByClass {
		cars[i].IsBestTimeClass = true
	}
}

func markMostPositionsGained(cars []timing.CarPosition) {
	bestOverall, bestInClass := 0, make(map[string]int)
	for _, car := range cars {
		if car.OverallPositionsGained > bestOverall {
			bestOverall = car.OverallPositionsGained
		}
		if car.InClassPositionsGained > bestInClass[car.Class] {
			bestInClass[car.Class] = car.InClassPositionsGained
		}
	}
	for i := range cars {
		if bestOverall > 0 && cars[i].OverallPositionsGained == bestOverall {
			cars[i].IsOverallMostPositionsGained = true
		}
		if gain := bestInClass[cars[i].Class]; gain > 0 && cars[i].InClassPositionsGained == gain {
			cars[i].IsClassMostPositionsGained = true
		}
	}
}

// CarNumberForTransponder resolves a transponder to the registered car
// number, used by the loop-passing processor.
func (p *Processor) CarNumberForTransponder(transponderID uint64) (string, bool) {
	if transponderID == 0 {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.competitors {
		if c.transponder == transponderID && c.number != "" {
			return c.number, true
		}
	}
	return "", false
}
