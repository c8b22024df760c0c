package enrich

import (
	"context"
	"fmt"
	"sync"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

// DriverCache is the shared roster cache. The pipeline writes only its own
// event's keys; other collaborators read them.
type DriverCache interface {
	GetByCar(ctx context.Context, eventID int, carNumber string) (timing.DriverInfo, bool, error)
	GetByTransponder(ctx context.Context, eventID int, transponderID uint64) (timing.DriverInfo, bool, error)
	Put(ctx context.Context, eventID int, info timing.DriverInfo) error
}

// MemoryDriverCache is the in-process DriverCache.
type MemoryDriverCache struct {
	mu       sync.Mutex
	byCar    map[string]timing.DriverInfo
	byTxOnly map[string]timing.DriverInfo
}

// NewMemoryDriverCache returns an empty cache.
func NewMemoryDriverCache() *MemoryDriverCache {
	return &MemoryDriverCache{
		byCar:    make(map[string]timing.DriverInfo),
		byTxOnly: make(map[string]timing.DriverInfo),
	}
}

func driverCarKey(eventID int, carNumber string) string {
	return fmt.Sprintf("%d:%s", eventID, timing.NormalizeCarNumber(carNumber))
}

func driverTxKey(eventID int, transponderID uint64) string {
	return fmt.Sprintf("%d:tx:%d", eventID, transponderID)
}

// Put implements DriverCache.
func (c *MemoryDriverCache) Put(_ context.Context, eventID int, info timing.DriverInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info.CarNumber != "" {
		c.byCar[driverCarKey(eventID, info.CarNumber)] = info
	}
	if info.TransponderID != 0 {
		c.byTxOnly[driverTxKey(eventID, info.TransponderID)] = info
	}
	return nil
}

// GetByCar implements DriverCache.
func (c *MemoryDriverCache) GetByCar(_ context.Context, eventID int, carNumber string) (timing.DriverInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.byCar[driverCarKey(eventID, carNumber)]
	return info, ok, nil
}

// GetByTransponder implements DriverCache.
func (c *MemoryDriverCache) GetByTransponder(_ context.Context, eventID int, transponderID uint64) (timing.DriverInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.byTxOnly[driverTxKey(eventID, transponderID)]
	return info, ok, nil
}

// Driver applies driver-info messages to the matching car.
type Driver struct {
	state *statecontext.Context
	cache DriverCache
}

// NewDriver builds the driver enricher.
func NewDriver(state *statecontext.Context, cache DriverCache) (*Driver, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("driver cache is required")
	}
	return &Driver{state: state, cache: cache}, nil
}

// Process decodes one driver message and returns the patch for the matched
// car, nil when no car matches or nothing changes.
func (d *Driver) Process(ctx context.Context, msg timing.TimingMessage) (*timing.CarPositionPatch, error) {
	info, err := timing.DecodeDriverPayload(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("processing driver message: %w", err)
	}

	eventID := d.state.EventID()
	car, ok := d.matchCar(info)
	if !ok {
		// Still cache it; the car may register later.
		if !info.FullRefresh {
			if err := d.cache.Put(ctx, eventID, info); err != nil {
				return nil, fmt.Errorf("caching driver info: %w", err)
			}
		}
		return nil, nil
	}

	if info.FullRefresh {
		return d.refreshFromCache(ctx, eventID, car, info)
	}

	if err := d.cache.Put(ctx, eventID, info); err != nil {
		return nil, fmt.Errorf("caching driver info: %w", err)
	}
	return driverPatch(car, info.DriverID, info.DriverName), nil
}

// refreshFromCache re-pulls the roster entry; a miss clears the driver
// fields rather than leaving a stale name on the car.
func (d *Driver) refreshFromCache(ctx context.Context, eventID int, car timing.CarPosition, info timing.DriverInfo) (*timing.CarPositionPatch, error) {
	cached, hit, err := d.cache.GetByCar(ctx, eventID, car.Number)
	if err != nil {
		return nil, fmt.Errorf("reading driver cache: %w", err)
	}
	if !hit && info.TransponderID != 0 {
		cached, hit, err = d.cache.GetByTransponder(ctx, eventID, info.TransponderID)
		if err != nil {
			return nil, fmt.Errorf("reading driver cache: %w", err)
		}
	}
	if !hit {
		return driverPatch(car, "", ""), nil
	}
	return driverPatch(car, cached.DriverID, cached.DriverName), nil
}

func (d *Driver) matchCar(info timing.DriverInfo) (timing.CarPosition, bool) {
	if car, ok := d.state.GetCarByNumber(info.CarNumber); ok {
		return car, true
	}
	if info.TransponderID != 0 {
		if car, ok := d.state.GetCarByTransponder(info.TransponderID); ok {
			return car, true
		}
	}
	return timing.CarPosition{}, false
}

func driverPatch(car timing.CarPosition, driverID, driverName string) *timing.CarPositionPatch {
	if car.DriverID == driverID && car.DriverName == driverName {
		return nil
	}
	return &timing.CarPositionPatch{
		Number:     car.Number,
		DriverID:   &driverID,
		DriverName: &driverName,
	}
}
