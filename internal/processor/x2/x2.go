// Package x2 processes transponder loop passings and turns them into pit
// candidates for the pit processor.
package x2

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
)

// TransponderResolver maps a transponder to a registered car number.
type TransponderResolver interface {
	CarNumberForTransponder(transponderID uint64) (string, bool)
}

// LoopSink consumes resolved loop crossings; the pit processor implements it.
type LoopSink interface {
	HandleLoopEvent(ctx context.Context, carNumber string, kind timing.LoopKind, timestampMS int64) (*timing.CarPositionPatch, error)
}

// Processor resolves passings against the competitor registry, falling back
// to the state context for cars registered out of band.
type Processor struct {
	registry TransponderResolver
	state    *statecontext.Context
	sink     LoopSink

	mu      sync.Mutex
	journal []timing.X2Passing
}

// New builds an x2 processor.
func New(registry TransponderResolver, state *statecontext.Context, sink LoopSink) (*Processor, error) {
	if registry == nil {
		return nil, fmt.Errorf("transponder registry is required")
	}
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("loop sink is required")
	}
	return &Processor{registry: registry, state: state, sink: sink}, nil
}

// Process decodes one passing and forwards it as a pit candidate. Unknown
// transponders are skipped with a debug log; that is routine before the
// roster settles.
func (p *Processor) Process(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
	log := zerolog.Ctx(ctx)

	passing, err := timing.DecodeX2PassingPayload(msg.Data)
	if err != nil {
		return timing.PatchUpdates{}, fmt.Errorf("processing x2 passing: %w", err)
	}

	p.mu.Lock()
	p.journal = append(p.journal, passing)
	p.mu.Unlock()

	carNumber, ok := p.resolve(passing.TransponderID)
	if !ok {
		log.Debug().
			Uint64("transponder_id", passing.TransponderID).
			Str("loop_kind", string(passing.LoopKind)).
			Msg("skipping passing for unknown transponder")
		return timing.PatchUpdates{}, nil
	}

	patch, err := p.sink.HandleLoopEvent(ctx, carNumber, passing.LoopKind, passing.TimestampMS)
	if err != nil {
		return timing.PatchUpdates{}, fmt.Errorf("processing x2 passing for car %s: %w", carNumber, err)
	}
	if patch == nil {
		return timing.PatchUpdates{}, nil
	}
	return timing.PatchUpdates{Cars: []timing.CarPositionPatch{*patch}}, nil
}

// Passings returns every passing decoded this event, in arrival order,
// including ones whose transponder never resolved.
func (p *Processor) Passings() []timing.X2Passing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]timing.X2Passing(nil), p.journal...)
}

func (p *Processor) resolve(transponderID uint64) (string, bool) {
	if number, ok := p.registry.CarNumberForTransponder(transponderID); ok {
		return number, true
	}
	if car, ok := p.state.GetCarByTransponder(transponderID); ok {
		return car.Number, true
	}
	return "", false
}
