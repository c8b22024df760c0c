// Package raceflags processes full flag-timeline replacements and persists
// them; the persistence layer is the source of truth on restart.
package raceflags

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
	"github.com/apexloop/race-timing-pipeline/internal/store"
)

// Processor applies flag timeline updates to the session state.
type Processor struct {
	state *statecontext.Context
	log   store.FlagLogStore
}

// New builds a flag processor. The store may be nil when persistence is
// handled elsewhere (tests, replay runs).
func New(state *statecontext.Context, log store.FlagLogStore) (*Processor, error) {
	if state == nil {
		return nil, fmt.Errorf("state context is required")
	}
	return &Processor{state: state, log: log}, nil
}

// Process decodes a flags message and applies it via ProcessFlags.
func (p *Processor) Process(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
	durations, err := timing.DecodeFlagsPayload(msg.Data)
	if err != nil {
		return timing.PatchUpdates{}, fmt.Errorf("processing flags: %w", err)
	}
	return p.ProcessFlags(ctx, p.state.Session().SessionID, durations)
}

// ProcessFlags replaces the session flag timeline. The whole list is applied
// or nothing: an out-of-order or doubly-open timeline is rejected.
func (p *Processor) ProcessFlags(ctx context.Context, sessionID int, durations []timing.FlagDuration) (timing.PatchUpdates, error) {
	if err := validateTimeline(durations); err != nil {
		return timing.PatchUpdates{}, fmt.Errorf("rejecting flag timeline: %w", err)
	}

	if p.log != nil {
		if err := p.log.Replace(ctx, sessionID, durations); err != nil {
			// State still advances; the next update rewrites the full list.
			zerolog.Ctx(ctx).Error().Err(err).Int("session_id", sessionID).Msg("persisting flag timeline failed")
		}
	}

	session := p.state.Session()
	session.FlagDurations = durations
	if flag, ok := currentFlag(durations); ok {
		session.CurrentFlag = flag
	}
	patch := p.state.UpdateSession(session)
	if patch == nil {
		return timing.PatchUpdates{}, nil
	}
	return timing.PatchUpdates{Session: patch}, nil
}

// Restore loads the persisted timeline on startup and applies it without
// emitting patches.
func (p *Processor) Restore(ctx context.Context, sessionID int) error {
	if p.log == nil {
		return nil
	}
	durations, err := p.log.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("restoring flag timeline: %w", err)
	}
	if len(durations) == 0 {
		return nil
	}
	if err := validateTimeline(durations); err != nil {
		return fmt.Errorf("restoring flag timeline: %w", err)
	}
	session := p.state.Session()
	session.FlagDurations = durations
	if flag, ok := currentFlag(durations); ok {
		session.CurrentFlag = flag
	}
	p.state.UpdateSession(session)
	return nil
}

// validateTimeline enforces time order and at most one open interval, which
// must be the last entry.
func validateTimeline(durations []timing.FlagDuration) error {
	for i, fd := range durations {
		if fd.EndTimeMS != 0 && fd.EndTimeMS < fd.StartTimeMS {
			return fmt.Errorf("interval %d ends before it starts", i)
		}
		if fd.EndTimeMS == 0 && i != len(durations)-1 {
			return fmt.Errorf("open interval at %d is not last", i)
		}
		if i > 0 && fd.StartTimeMS < durations[i-1].StartTimeMS {
			return fmt.Errorf("interval %d starts before its predecessor", i)
		}
	}
	return nil
}

// currentFlag returns the flag of the open interval, or the last closed one.
func currentFlag(durations []timing.FlagDuration) (timing.Flag, bool) {
	if len(durations) == 0 {
		return timing.FlagUnknown, false
	}
	return durations[len(durations)-1].Flag, true
}
