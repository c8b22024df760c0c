// Package pipeline wires the processors, enrichers and stores of one event
// into a running whole: the ingest router feeds processors, a single applier
// serializes every state mutation, and published patches leave through the
// debounced broadcaster.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/archive"
	"github.com/apexloop/race-timing-pipeline/internal/broadcast"
	"github.com/apexloop/race-timing-pipeline/internal/config"
	"github.com/apexloop/race-timing-pipeline/internal/controllog"
	"github.com/apexloop/race-timing-pipeline/internal/enrich"
	"github.com/apexloop/race-timing-pipeline/internal/history"
	"github.com/apexloop/race-timing-pipeline/internal/observability/telemetry"
	"github.com/apexloop/race-timing-pipeline/internal/processor/lap"
	"github.com/apexloop/race-timing-pipeline/internal/processor/multiloop"
	"github.com/apexloop/race-timing-pipeline/internal/processor/pit"
	"github.com/apexloop/race-timing-pipeline/internal/processor/raceflags"
	"github.com/apexloop/race-timing-pipeline/internal/processor/rmonitor"
	"github.com/apexloop/race-timing-pipeline/internal/processor/x2"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/router"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/statecontext"
	"github.com/apexloop/race-timing-pipeline/internal/schedule"
	"github.com/apexloop/race-timing-pipeline/internal/store"
)

// staleSweepInterval drives the periodic staleness evaluation.
const staleSweepInterval = time.Second

// subscriberBuffer sizes each broadcast subscriber's channel.
const subscriberBuffer = 256

// Stores bundles the external collaborators. ControlLog is optional; the
// rest are required (memory implementations serve tests and offline runs).
type Stores struct {
	LapLogs     store.LapLogStore
	LastLaps    store.CarLastLapStore
	FlagLog     store.FlagLogStore
	History     history.Store
	DriverCache enrich.DriverCache
	ControlLog  *controllog.Cache
	// Archive, when set, receives each session's lap records on session
	// change and at shutdown.
	Archive *archive.Exporter
}

// Pipeline is one event's running timing pipeline.
type Pipeline struct {
	cfg   config.Config
	state *statecontext.Context

	router *router.Router
	broker *broadcast.Broker

	rmon      *rmonitor.Processor
	pitProc   *pit.Processor
	loops     *multiloop.Processor
	passings  *x2.Processor
	flags     *raceflags.Processor
	laps      *lap.Processor
	projector *enrich.Projector
	pace      *enrich.Pace
	stale     *enrich.Stale
	driver    *enrich.Driver
	penalties *controllog.Cache

	// applyMu serializes state mutation across the router goroutine and the
	// periodic tickers.
	applyMu sync.Mutex

	debouncer *schedule.Debouncer
	outMu     sync.Mutex
	outbox    []timing.PatchUpdates

	archiver *archive.Exporter
	lapTap   *lapArchiveTap
	history  history.Store

	// baseCtx carries the pipeline lifetime for callbacks that receive no
	// context of their own (pit listeners, debounce flush).
	ctxMu   sync.Mutex
	baseCtx context.Context

	lastSessionID int
}

// New wires a pipeline from configuration and stores. Nothing runs until Run.
func New(cfg config.Config, stores Stores) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores.LapLogs == nil || stores.LastLaps == nil || stores.FlagLog == nil {
		return nil, fmt.Errorf("lap log, last-lap and flag log stores are required")
	}
	if stores.History == nil {
		return nil, fmt.Errorf("lap history store is required")
	}
	if stores.DriverCache == nil {
		return nil, fmt.Errorf("driver cache is required")
	}

	state, err := statecontext.New(cfg.EventID)
	if err != nil {
		return nil, err
	}
	broker, err := broadcast.NewBroker(subscriberBuffer)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		state:     state,
		broker:    broker,
		debouncer: schedule.NewDebouncer(cfg.PublishDebounceDelay()),
		baseCtx:   context.Background(),
		penalties: stores.ControlLog,
		history:   stores.History,
	}

	p.router, err = router.New(cfg.EventID, router.DefaultQueueSize, p.enqueuePublish)
	if err != nil {
		return nil, err
	}
	p.rmon, err = rmonitor.New(state)
	if err != nil {
		return nil, err
	}
	p.pitProc, err = pit.New(state)
	if err != nil {
		return nil, err
	}
	p.loops, err = multiloop.New(state)
	if err != nil {
		return nil, err
	}
	p.flags, err = raceflags.New(state, stores.FlagLog)
	if err != nil {
		return nil, err
	}
	lapLogs := stores.LapLogs
	if stores.Archive != nil {
		p.archiver = stores.Archive
		p.lapTap = &lapArchiveTap{inner: lapLogs}
		lapLogs = p.lapTap
	}
	p.laps, err = lap.New(state, lapLogs, stores.LastLaps, stores.History, p.pitProc, cfg.PitWait(), lap.Options{
		Emit: func(msg timing.TimingMessage) { p.router.Offer(msg) },
	})
	if err != nil {
		return nil, err
	}
	p.passings, err = x2.New(p.rmon, state, p.pitProc)
	if err != nil {
		return nil, err
	}
	p.projector, err = enrich.NewProjector(state, stores.History)
	if err != nil {
		return nil, err
	}
	p.pace, err = enrich.NewPace(state, stores.History, cfg.PaceWindow)
	if err != nil {
		return nil, err
	}
	p.stale, err = enrich.NewStale(state, cfg.StalePctOver)
	if err != nil {
		return nil, err
	}
	p.driver, err = enrich.NewDriver(state, stores.DriverCache)
	if err != nil {
		return nil, err
	}

	p.rmon.OnReset(func() {
		// Buffered laps still belong to the outgoing session; flush them
		// before counters clear.
		p.laps.DrainPending(p.lifetime())
		p.archiveSession(p.state.Session().SessionID)
		p.laps.Reset()
		p.pitProc.Reset()
		p.loops.Reset()
	})
	p.pitProc.OnPitEvent(func(carNumber string) {
		p.laps.FlushCarPending(p.lifetime(), carNumber)
	})

	p.router.Register(timing.MessageRMonitor, p.handleRMonitor)
	p.router.Register(timing.MessageMultiloop, p.applied(p.loops.Process))
	p.router.Register(timing.MessageX2Passing, p.applied(p.passings.Process))
	p.router.Register(timing.MessageX2Loop, p.applied(p.passings.Process))
	p.router.Register(timing.MessageFlags, p.handleFlags)
	p.router.Register(timing.MessageDriver, p.handleDriver)
	p.router.Register(timing.MessageLapCompleted, p.handleLapCompleted)

	return p, nil
}

func (p *Pipeline) lifetime() context.Context {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	return p.baseCtx
}

// Offer enqueues one ingress message; false means the queue was full.
func (p *Pipeline) Offer(msg timing.TimingMessage) bool {
	return p.router.Offer(msg)
}

// Subscribe attaches an output subscriber.
func (p *Pipeline) Subscribe() *broadcast.Subscription {
	return p.broker.Subscribe()
}

// CurrentSessionState returns a deep copy of the full published state.
func (p *Pipeline) CurrentSessionState() timing.SessionState {
	return p.state.Snapshot()
}

// CurrentSnapshotBinary renders the full state in the compact wire encoding.
func (p *Pipeline) CurrentSnapshotBinary() []byte {
	return timing.EncodeSessionState(p.state.Snapshot())
}

// CurrentFullCarPatches renders every car as a fully-populated patch, for
// subscriber seeding.
func (p *Pipeline) CurrentFullCarPatches() []timing.CarPositionPatch {
	return p.state.FullCarPatches()
}

// Run drives the pipeline until the context is cancelled, then shuts down in
// order: intake stops, tickers stop, buffered laps drain, the broadcaster
// closes.
func (p *Pipeline) Run(ctx context.Context) {
	p.ctxMu.Lock()
	p.baseCtx = context.WithoutCancel(ctx)
	p.ctxMu.Unlock()

	intakeCtx, stopIntake := context.WithCancel(ctx)
	tickCtx, stopTicks := context.WithCancel(ctx)
	lapCtx, stopLaps := context.WithCancel(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.router.Run(intakeCtx)
	}()

	lapsDone := make(chan struct{})
	go func() {
		defer close(lapsDone)
		p.laps.Run(lapCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		schedule.Tick(tickCtx, staleSweepInterval, func(context.Context) error {
			p.sweepStale()
			return nil
		})
	}()

	if p.penalties != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.penalties.Run(tickCtx, p.cfg.ControlLogPoll(), func(changed []string) {
				p.applyPenalties(changed)
			})
		}()
	}

	<-ctx.Done()

	stopIntake()
	stopTicks()
	wg.Wait()

	// Lap drain happens after intake stops so no new laps enqueue mid-drain.
	stopLaps()
	<-lapsDone
	p.archiveSession(p.state.Session().SessionID)

	p.debouncer.Stop()
	p.flushOutbox()
	p.broker.Close()
}

// handleRMonitor runs the base protocol processor, reacts to session resets
// and feeds the lap and pit processors from the updated cars.
func (p *Pipeline) handleRMonitor(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	res, err := p.rmon.Process(ctx, msg)
	if err != nil {
		return timing.PatchUpdates{}, err
	}
	if res.Reset {
		p.publishResetLocked()
	}
	p.restoreFlagTimeline(ctx)

	extra := make([]timing.CarPositionPatch, 0, 4)
	for _, patch := range res.Updates.Cars {
		car, ok := p.state.GetCarByNumber(patch.Number)
		if !ok {
			continue
		}
		p.laps.Observe(ctx, car)
		pitPatch, err := p.pitProc.ObservePositionFlags(ctx, car, msg.TimestampMS)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("car_number", car.Number).Msg("pit flag observation failed")
			continue
		}
		if pitPatch != nil {
			extra = append(extra, *pitPatch)
		}
	}
	res.Updates.Cars = append(res.Updates.Cars, extra...)
	return res.Updates, nil
}

// restoreFlagTimeline reloads the persisted flag log once per session so a
// restarted pipeline resumes with the durable timeline.
func (p *Pipeline) restoreFlagTimeline(ctx context.Context) {
	sessionID := p.state.Session().SessionID
	if sessionID == 0 || sessionID == p.lastSessionID {
		return
	}
	p.lastSessionID = sessionID
	if err := p.flags.Restore(ctx, sessionID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int("session_id", sessionID).Msg("restoring flag timeline failed")
	}
}

func (p *Pipeline) handleFlags(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	return p.flags.Process(ctx, msg)
}

// applied wraps a processor whose patches are already folded into state.
func (p *Pipeline) applied(h router.Handler) router.Handler {
	return func(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
		p.applyMu.Lock()
		defer p.applyMu.Unlock()
		return h(ctx, msg)
	}
}

func (p *Pipeline) handleDriver(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	patch, err := p.driver.Process(ctx, msg)
	if err != nil {
		return timing.PatchUpdates{}, err
	}
	if effective := p.state.ApplyCarPatch(patch); effective != nil {
		return timing.PatchUpdates{Cars: []timing.CarPositionPatch{*effective}}, nil
	}
	return timing.PatchUpdates{}, nil
}

// handleLapCompleted runs the lap-completion enrichers: the projection for
// the completing car, then the class pace re-rank.
func (p *Pipeline) handleLapCompleted(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
	completed, err := timing.DecodeLapCompletedPayload(msg.Data)
	if err != nil {
		return timing.PatchUpdates{}, err
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	var out timing.PatchUpdates
	projection, err := p.projector.OnLapCompleted(ctx, completed)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("car_number", completed.CarNumber).Msg("lap projection failed")
	} else if effective := p.state.ApplyCarPatch(projection); effective != nil {
		out.Cars = append(out.Cars, *effective)
	}

	pacePatches, err := p.pace.OnLapCompleted(ctx, completed)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("car_number", completed.CarNumber).Msg("pace ranking failed")
	}
	for i := range pacePatches {
		if effective := p.state.ApplyCarPatch(&pacePatches[i]); effective != nil {
			out.Cars = append(out.Cars, *effective)
		}
	}
	return out, nil
}

// sweepStale runs the periodic staleness pass under the applier mutex.
func (p *Pipeline) sweepStale() {
	p.applyMu.Lock()
	patches := p.stale.Sweep()
	var out timing.PatchUpdates
	for i := range patches {
		if effective := p.state.ApplyCarPatch(&patches[i]); effective != nil {
			out.Cars = append(out.Cars, *effective)
		}
	}
	p.applyMu.Unlock()

	if !out.IsEmpty() {
		p.enqueuePublish(out)
	}
}

// applyPenalties equalizes penalty counters after a control-log refresh.
func (p *Pipeline) applyPenalties(changed []string) {
	if p.penalties == nil || len(changed) == 0 {
		return
	}
	lookup := p.penalties.PenaltyLookup()

	p.applyMu.Lock()
	patches := enrich.PenaltyPatches(p.state.Cars(), lookup)
	var out timing.PatchUpdates
	for i := range patches {
		if effective := p.state.ApplyCarPatch(&patches[i]); effective != nil {
			out.Cars = append(out.Cars, *effective)
		}
	}
	p.applyMu.Unlock()

	if !out.IsEmpty() {
		p.enqueuePublish(out)
	}
}

// publishResetLocked flushes pending output, then emits the Reset marker and
// the post-reset snapshot ahead of any further patches.
func (p *Pipeline) publishResetLocked() {
	p.flushOutbox()
	session := p.state.Session()
	sessionPatch := fullSessionPatch(session)
	p.broker.PublishReset(sessionPatch, p.state.FullCarPatches())
}

func fullSessionPatch(s timing.SessionState) *timing.SessionStatePatch {
	return &timing.SessionStatePatch{
		EventID:         &s.EventID,
		SessionID:       &s.SessionID,
		SessionName:     &s.SessionName,
		SessionType:     &s.SessionType,
		RunningRaceTime: &s.RunningRaceTime,
		LapsToGo:        &s.LapsToGo,
		TimeToGo:        &s.TimeToGo,
		CurrentFlag:     &s.CurrentFlag,
		LeaderLap:       &s.LeaderLap,
		FlagDurations:   s.FlagDurations,
	}
}

// lapArchiveTap forwards lap-log appends and keeps a copy of each record so
// the session's laps can be exported as one blob.
type lapArchiveTap struct {
	inner store.LapLogStore

	mu      sync.Mutex
	records []store.CarLapLog
}

func (t *lapArchiveTap) Append(ctx context.Context, record store.CarLapLog) error {
	if err := t.inner.Append(ctx, record); err != nil {
		return err
	}
	t.mu.Lock()
	t.records = append(t.records, record)
	t.mu.Unlock()
	return nil
}

func (t *lapArchiveTap) drain() []store.CarLapLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.records
	t.records = nil
	return records
}

// archiveSession exports the session's accumulated lap records, each car's
// recent-lap window, the event-level crossing and passing journals, and the
// roster. Runs inline; it is only invoked on session change and at shutdown.
func (p *Pipeline) archiveSession(sessionID int) {
	if p.archiver == nil {
		return
	}
	ctx := p.lifetime()
	log := zerolog.Ctx(ctx)
	cars := p.state.Cars()

	if sessionID != 0 {
		if records := p.lapTap.drain(); len(records) > 0 {
			if err := p.archiver.ExportSessionLaps(ctx, sessionID, records); err != nil {
				log.Warn().Err(err).Int("session_id", sessionID).Msg("archiving session laps failed")
			}
		}
		for _, car := range cars {
			laps, err := p.history.GetLaps(ctx, p.cfg.EventID, car.Number)
			if err != nil {
				log.Warn().Err(err).Str("car_number", car.Number).Msg("reading lap window for archive failed")
				continue
			}
			if len(laps) == 0 {
				continue
			}
			if err := p.archiver.ExportCarLaps(ctx, sessionID, car.Number, laps); err != nil {
				log.Warn().Err(err).Str("car_number", car.Number).Msg("archiving car laps failed")
			}
		}
	}

	if crossings := p.loops.Crossings(); len(crossings) > 0 {
		if err := p.archiver.ExportLoops(ctx, crossings); err != nil {
			log.Warn().Err(err).Msg("archiving loop crossings failed")
		}
	}
	if passings := p.passings.Passings(); len(passings) > 0 {
		if err := p.archiver.ExportPassings(ctx, passings); err != nil {
			log.Warn().Err(err).Msg("archiving passings failed")
		}
	}
	if len(cars) > 0 {
		entries := make([]timing.EventEntry, 0, len(cars))
		for _, car := range cars {
			entries = append(entries, timing.EventEntry{
				CarNumber:  car.Number,
				DriverName: car.DriverName,
				Team:       car.Team,
				Class:      car.Class,
			})
		}
		if err := p.archiver.ExportCompetitorMetadata(ctx, entries); err != nil {
			log.Warn().Err(err).Msg("archiving competitor metadata failed")
		}
	}
}

// enqueuePublish queues one update for the debounced broadcaster.
func (p *Pipeline) enqueuePublish(updates timing.PatchUpdates) {
	if updates.IsEmpty() {
		return
	}
	p.outMu.Lock()
	p.outbox = append(p.outbox, updates)
	p.outMu.Unlock()
	p.debouncer.Execute(p.flushOutbox)
}

// flushOutbox drains queued updates to the broker in order.
func (p *Pipeline) flushOutbox() {
	p.outMu.Lock()
	queued := p.outbox
	p.outbox = nil
	p.outMu.Unlock()

	published := 0
	for _, updates := range queued {
		p.broker.Publish(updates)
		published += len(updates.Cars)
	}
	if published > 0 {
		telemetry.DefaultEmitter().EmitMetric(telemetry.MetricPatchesPublished, float64(published), "1", nil, telemetry.Correlation{
			EventID:   p.cfg.EventID,
			Component: "pipeline",
		})
	}
}
