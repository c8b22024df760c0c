// Package multiloop processes intermediate-loop sector crossings into
// per-car completed-section state and best-sector markers.
package multiloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

// Processor accumulates section completions per car. A repeated section
// starts a new lap's accumulation.
type Processor struct {
	state *statecontext.Context

	mu       sync.Mutex
	sections map[string][]string
	bestMS   map[string]map[string]int
	journal  []timing.SectionCrossing
}

// New builds a multiloop processor bound to the pipeline's state context.
func New(state *statecontext.Context) (*Processor, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	p := &Processor{state: state}
	p.Reset()
	return p, nil
}

// Reset drops accumulated section state, called on session change. The
// crossing journal is event-scoped and survives.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sections = make(map[string][]string)
	p.bestMS = make(map[string]map[string]int)
}

// Process decodes one batch of crossings and returns the resulting patches.
func (p *Processor) Process(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
	log := zerolog.Ctx(ctx)

	crossings, err := timing.DecodeSectionCrossingsPayload(msg.Data)
	if err != nil {
		return timing.PatchUpdates{}, fmt.Errorf("processing section crossings: %w", err)
	}

	p.mu.Lock()
	p.journal = append(p.journal, crossings...)
	p.mu.Unlock()

	var out timing.PatchUpdates
	for _, crossing := range crossings {
		patch := p.apply(crossing)
		if patch == nil {
			continue
		}
		effective := p.state.ApplyCarPatch(patch)
		if effective == nil {
			log.Debug().
				Str("car_number", crossing.CarNumber).
				Str("section", crossing.Section).
				Msg("section crossing for unknown car or no change")
			continue
		}
		out.Cars = append(out.Cars, *effective)
	}
	return out, nil
}

// apply folds one crossing into the accumulator and renders the patch.
func (p *Processor) apply(crossing timing.SectionCrossing) *timing.CarPositionPatch {
	key := timing.NormalizeCarNumber(crossing.CarNumber)
	if key == "" || crossing.Section == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	completed := p.sections[key]
	if containsSection(completed, crossing.Section) {
		completed = nil
	}
	completed = append(completed, crossing.Section)
	p.sections[key] = completed

	if crossing.SectionTimeMS > 0 {
		if p.bestMS[key] == nil {
			p.bestMS[key] = make(map[string]int)
		}
		best, ok := p.bestMS[key][crossing.Section]
		if !ok || crossing.SectionTimeMS < best {
			p.bestMS[key][crossing.Section] = crossing.SectionTimeMS
		}
	}

	sections := make([]string, len(completed))
	copy(sections, completed)
	return &timing.CarPositionPatch{Number: crossing.CarNumber, CompletedSections: sections}
}

// BestSectionMS returns the car's best recorded time for a section, zero
// when none is known.
func (p *Processor) BestSectionMS(carNumber, section string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bestMS[timing.NormalizeCarNumber(carNumber)][section]
}

// Crossings returns every crossing decoded this event, in arrival order.
func (p *Processor) Crossings() []timing.SectionCrossing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]timing.SectionCrossing(nil), p.journal...)
}

func containsSection(sections []string, section string) bool {
	for _, s := range sections {
		if s == section {
			return true
		}
	}
	return false
}
