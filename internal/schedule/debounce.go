// Package schedule provides the publish debouncer and periodic tick drivers.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Debouncer rate-limits a callback. While a wait is in flight further
// Execute calls return immediately; the callback runs once after the delay
// with whatever state the caller reads at that point.
type Debouncer struct {
	delay time.Duration

	mu       sync.Mutex
	inFlight bool
	stopped  bool
}

// NewDebouncer creates a debouncer with the given delay. A zero delay invokes
// callbacks on a separate goroutine without waiting.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	return &Debouncer{delay: delay}
}

// Execute schedules fn unless a wait is already in flight.
func (d *Debouncer) Execute(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	if d.inFlight || d.stopped {
		d.mu.Unlock()
		return
	}
	d.inFlight = true
	d.mu.Unlock()

	go func() {
		if d.delay > 0 {
			time.Sleep(d.delay)
		}
		d.mu.Lock()
		d.inFlight = false
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		fn()
	}()
}

// Stop prevents further callbacks. An in-flight wait is abandoned.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// Tick runs fn every interval until the context is cancelled. A panic or
// returned error throttles the loop for one second before the next attempt.
func Tick(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 || fn == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runProtected(ctx, fn); err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func runProtected(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError{value: r}
		}
	}()
	return fn(ctx)
}

type recoveredError struct {
	value any
}

func (e recoveredError) Error() string {
	return "tick callback panicked"
}
