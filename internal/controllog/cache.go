package controllog

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/observability/telemetry"
	"github.com/apexloop/race-timing-pipeline/internal/schedule"
)

var (
	warningPattern = regexp.MustCompile(`(?i)warning`)
	lapsPattern    = regexp.MustCompile(`(?i)(\d+)\s+laps?`)
)

// Cache holds the parsed control log and its penalty rollup for one event.
// One mutex covers both; the poll loop writes, the applier reads.
type Cache struct {
	kind      Kind
	cols      columnMap
	fetcher   Fetcher
	minYear   int
	maxMissed int
	eventID   int

	mu        sync.Mutex
	entries   map[string][]timing.ControlLogEntry
	penalties map[string]timing.CarPenalty
}

// New builds a control-log cache for the given sheet kind. maxMissedTS is
// how many consecutive rows without a usable timestamp are tolerated before
// parsing stops.
func New(kind Kind, fetcher Fetcher, eventID, minYear, maxMissedTS int) (*Cache, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if maxMissedTS < 1 {
		return nil, fmt.Errorf("max missed timestamps must be >= 1, got %d", maxMissedTS)
	}
	cols, err := columnsFor(kind)
	if err != nil {
		return nil, err
	}
	return &Cache{
		kind:      kind,
		cols:      cols,
		fetcher:   fetcher,
		minYear:   minYear,
		maxMissed: maxMissedTS,
		eventID:   eventID,
		entries:   make(map[string][]timing.ControlLogEntry),
		penalties: make(map[string]timing.CarPenalty),
	}, nil
}

// Refresh pulls and re-parses the sheet, returning the cars whose entries
// changed since the previous refresh.
func (c *Cache) Refresh(ctx context.Context) ([]string, error) {
	started := time.Now()
	grid, err := c.fetcher.FetchGrid(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching control log: %w", err)
	}

	parsed := parseGrid(grid, c.cols, c.minYear, c.maxMissed)
	byCar := groupByCar(parsed)
	rollup := rollupPenalties(parsed)

	c.mu.Lock()
	previous := c.entries
	c.entries = byCar
	c.penalties = rollup
	c.mu.Unlock()

	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricControlLogRefreshMS, float64(time.Since(started).Milliseconds()), "ms", nil, telemetry.Correlation{
		EventID:   c.eventID,
		Component: "controllog",
	})
	changed := GetChangedCars(previous, byCar)
	zerolog.Ctx(ctx).Debug().
		Int("entries", len(parsed)).
		Int("changed_cars", len(changed)).
		Msg("control log refreshed")
	return changed, nil
}

// PenaltyLookup returns a copy of the rollup keyed by normalized car number.
func (c *Cache) PenaltyLookup() map[string]timing.CarPenalty {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]timing.CarPenalty, len(c.penalties))
	for car, penalty := range c.penalties {
		out[car] = penalty
	}
	return out
}

// Entries returns a copy of one car's control-log entries.
func (c *Cache) Entries(carNumber string) []timing.ControlLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := c.entries[timing.NormalizeCarNumber(carNumber)]
	out := make([]timing.ControlLogEntry, len(stored))
	copy(out, stored)
	return out
}

// Run refreshes the cache every interval until the context is cancelled.
// onChanged receives the changed-car set after each successful refresh.
func (c *Cache) Run(ctx context.Context, interval time.Duration, onChanged func([]string)) {
	schedule.Tick(ctx, interval, func(tickCtx context.Context) error {
		changed, err := c.Refresh(tickCtx)
		if err != nil {
			return err
		}
		if onChanged != nil && len(changed) > 0 {
			onChanged(changed)
		}
		return nil
	})
}

// groupByCar indexes entries under every car they reference.
func groupByCar(entries []timing.ControlLogEntry) map[string][]timing.ControlLogEntry {
	out := make(map[string][]timing.ControlLogEntry)
	for _, entry := range entries {
		car1 := timing.NormalizeCarNumber(entry.Car1)
		out[car1] = append(out[car1], entry)
		if car2 := timing.NormalizeCarNumber(entry.Car2); car2 != "" && car2 != car1 {
			out[car2] = append(out[car2], entry)
		}
	}
	return out
}

// rollupPenalties reduces entries to per-car counters. For two-car entries
// the penalty lands on the highlighted car, defaulting to car1 when neither
// is marked.
func rollupPenalties(entries []timing.ControlLogEntry) map[string]timing.CarPenalty {
	out := make(map[string]timing.CarPenalty)
	for _, entry := range entries {
		car := penalizedCar(entry)
		if car == "" {
			continue
		}
		penalty := out[car]
		if warningPattern.MatchString(entry.PenaltyAction) {
			penalty.Warnings++
		} else if m := lapsPattern.FindStringSubmatch(entry.PenaltyAction); m != nil {
			if laps, err := strconv.Atoi(m[1]); err == nil {
				penalty.Laps += laps
			}
		}
		out[car] = penalty
	}
	return out
}

func penalizedCar(entry timing.ControlLogEntry) string {
	switch {
	case entry.IsCar1Highlighted:
		return timing.NormalizeCarNumber(entry.Car1)
	case entry.Car2 != "" && entry.IsCar2Highlighted:
		return timing.NormalizeCarNumber(entry.Car2)
	default:
		return timing.NormalizeCarNumber(entry.Car1)
	}
}

// GetChangedCars compares two snapshots and returns every car whose entry
// list differs. A car changed in both snapshots appears twice; downstream
// recomputation is idempotent, so the duplicate is harmless.
func GetChangedCars(previous, current map[string][]timing.ControlLogEntry) []string {
	var changed []string
	for car, entries := range previous {
		if entriesDiffer(entries, current[car]) {
			changed = append(changed, car)
		}
	}
	for car, entries := range current {
		if entriesDiffer(previous[car], entries) {
			changed = append(changed, car)
		}
	}
	return changed
}

func entriesDiffer(a, b []timing.ControlLogEntry) bool {
	if len(a) != len(b) {
		return true
	}
	byOrder := make(map[int]timing.ControlLogEntry, len(a))
	for _, entry := range a {
		byOrder[entry.OrderID] = entry
	}
	for _, entry := range b {
		other, ok := byOrder[entry.OrderID]
		if !ok || other != entry {
			return true
		}
	}
	return false
}
