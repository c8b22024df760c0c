// Package statecontext owns the canonical session and car state for one
// pipeline instance. All mutation goes through a single mutex; every read
// hands out a defensive copy so observers can never alias live state.
package statecontext

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/diff"
)

// Context is the canonical state holder for one live event.
type Context struct {
	mu      sync.Mutex
	session timing.SessionState
	cars    map[string]timing.CarPosition
}

// New constructs a context bound to one event.
func New(eventID int) (*Context, error) {
	if eventID <= 0 {
		return nil, fmt.Errorf("event_id must be > 0")
	}
	return &Context{
		session: timing.SessionState{EventID: eventID},
		cars:    make(map[string]timing.CarPosition),
	}, nil
}

// EventID returns the bound event identity.
func (c *Context) EventID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.EventID
}

// Session returns a copy of the session scalars and flag timeline, without
// the car list.
func (c *Context) Session() timing.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// Snapshot returns a full deep copy including cars ordered by overall
// position (unknowns last, then by number).
func (c *Context) Snapshot() timing.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.session.Clone()
	out.Cars = c.sortedCarsLocked()
	return out
}

func (c *Context) sortedCarsLocked() []timing.CarPosition {
	cars := make([]timing.CarPosition, 0, len(c.cars))
	for _, car := range c.cars {
		cars = append(cars, car.Clone())
	}
	sort.Slice(cars, func(i, j int) bool {
		pi, pj := cars[i].OverallPosition, cars[j].OverallPosition
		if pi <= 0 {
			pi = 1 << 30
		}
		if pj <= 0 {
			pj = 1 << 30
		}
		if pi != pj {
			return pi < pj
		}
		return cars[i].Number < cars[j].Number
	})
	return cars
}

// Cars returns copies of every known car.
func (c *Context) Cars() []timing.CarPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedCarsLocked()
}

// GetCarByNumber returns a copy of one car.
func (c *Context) GetCarByNumber(number string) (timing.CarPosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	car, ok := c.cars[timing.NormalizeCarNumber(number)]
	if !ok {
		return timing.CarPosition{}, false
	}
	return car.Clone(), true
}

// GetCarByTransponder returns a copy of the car registered with the
// transponder, if any.
func (c *Context) GetCarByTransponder(transponderID uint64) (timing.CarPosition, bool) {
	if transponderID == 0 {
		return timing.CarPosition{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, car := range c.cars {
		if car.TransponderID == transponderID {
			return car.Clone(), true
		}
	}
	return timing.CarPosition{}, false
}

// GetClassCars returns copies of every car in a class (case-insensitive).
func (c *Context) GetClassCars(class string) []timing.CarPosition {
	class = strings.ToLower(strings.TrimSpace(class))
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]timing.CarPosition, 0, 8)
	for _, car := range c.cars {
		if strings.ToLower(car.Class) == class {
			out = append(out, car.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// GetCurrentFlagAndLap returns the session flag and leader lap.
func (c *Context) GetCurrentFlagAndLap() (timing.Flag, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.CurrentFlag, c.session.LeaderLap
}

// UpdateSession merges replacement session scalars and returns the patch, or
// nil when nothing changed. The car list on the argument is ignored.
func (c *Context) UpdateSession(replacement timing.SessionState) *timing.SessionStatePatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	replacement.Cars = nil
	replacement.EventID = c.session.EventID
	patch := diff.DiffSession(c.session, replacement)
	if patch != nil {
		c.session = replacement.Clone()
	}
	return patch
}

// UpdateCars atomically merges a full car list from the authoritative source.
// Enricher-owned fields of an existing car survive unless the replacement
// explicitly sets them, and a patch is returned per car that changed. Cars
// missing from the replacement list are kept as-is; the base protocol resends
// the full field on every batch, so absence only means "no update".
func (c *Context) UpdateCars(replacement []timing.CarPosition) []timing.CarPositionPatch {
	c.mu.Lock()
	defer c.mu.Unlock()

	patches := make([]timing.CarPositionPatch, 0, len(replacement))
	for _, proposed := range replacement {
		key := timing.NormalizeCarNumber(proposed.Number)
		if key == "" {
			continue
		}
		existing, known := c.cars[key]
		merged := proposed.Clone()
		if known {
			preserveEnricherFields(&merged, existing)
		}
		if !known {
			c.cars[key] = merged
			patch := diff.DiffCar(timing.CarPosition{}, merged)
			if patch == nil {
				patch = &timing.CarPositionPatch{Number: merged.Number}
			}
			patches = append(patches, *patch)
			continue
		}
		if patch := diff.DiffCar(existing, merged); patch != nil {
			c.cars[key] = merged
			patches = append(patches, *patch)
		}
	}
	return patches
}

// preserveEnricherFields carries enricher-owned values forward when the
// authoritative replacement does not explicitly set them.
func preserveEnricherFields(merged *timing.CarPosition, existing timing.CarPosition) {
	if merged.ProjectedLapTimeMS == 0 {
		merged.ProjectedLapTimeMS = existing.ProjectedLapTimeMS
	}
	if !merged.InClassFastestAveragePace {
		merged.InClassFastestAveragePace = existing.InClassFastestAveragePace
	}
	if !merged.IsStale {
		merged.IsStale = existing.IsStale
	}
	if merged.PenaltyWarnings == 0 {
		merged.PenaltyWarnings = existing.PenaltyWarnings
	}
	if merged.PenaltyLaps == 0 {
		merged.PenaltyLaps = existing.PenaltyLaps
	}
	if merged.BlackFlags == 0 {
		merged.BlackFlags = existing.BlackFlags
	}
	if merged.DriverID == "" {
		merged.DriverID = existing.DriverID
	}
	if merged.DriverName == "" {
		merged.DriverName = existing.DriverName
	}
	if merged.Team == "" {
		merged.Team = existing.Team
	}
	// Pit edge flags and pit level state are owned by the pit processor.
	if !merged.IsInPit {
		merged.IsInPit = existing.IsInPit
	}
	if !merged.IsEnteredPit {
		merged.IsEnteredPit = existing.IsEnteredPit
	}
	if !merged.IsExitedPit {
		merged.IsExitedPit = existing.IsExitedPit
	}
	if !merged.IsPitStartFinish {
		merged.IsPitStartFinish = existing.IsPitStartFinish
	}
	// Section crossings are owned by the multiloop processor; nil means the
	// replacement did not speak to them. An explicit clear arrives as an
	// empty patch slice through ApplyCarPatch, never through here.
	if merged.CompletedSections == nil {
		merged.CompletedSections = existing.CompletedSections
	}
}

// ApplyCarPatch merges an enricher patch into one car and returns the
// effective patch, or nil when the patch changes nothing or the car is
// unknown.
func (c *Context) ApplyCarPatch(patch *timing.CarPositionPatch) *timing.CarPositionPatch {
	if patch == nil || patch.Number == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := timing.NormalizeCarNumber(patch.Number)
	existing, ok := c.cars[key]
	if !ok {
		return nil
	}
	merged := diff.ApplyCar(existing, patch)
	effective := diff.DiffCar(existing, merged)
	if effective == nil {
		return nil
	}
	c.cars[key] = merged
	return effective
}

// Reset clears per-car state and rebinds the session identity. Used on
// session change; the caller is responsible for emitting the Reset event.
func (c *Context) Reset(sessionID int, sessionName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eventID := c.session.EventID
	c.session = timing.SessionState{
		EventID:     eventID,
		SessionID:   sessionID,
		SessionName: sessionName,
		SessionType: timing.InferSessionType(sessionName),
		CurrentFlag: timing.FlagUnknown,
	}
	c.cars = make(map[string]timing.CarPosition)
}

// FullCarPatches renders every known car as a fully-populated patch, used to
// seed new subscribers and for the post-Reset resend.
func (c *Context) FullCarPatches() []timing.CarPositionPatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	cars := c.sortedCarsLocked()
	out := make([]timing.CarPositionPatch, 0, len(cars))
	for _, car := range cars {
		out = append(out, diff.FullCarPatch(car))
	}
	return out
}
