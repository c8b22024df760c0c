// Command rtp-runtime runs one event's timing pipeline: it reads a timing
// feed from stdin or a TCP listener, applies it, and streams patch events as
// JSON lines on stdout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/archive"
	"github.com/apexloop/race-timing-pipeline/internal/broadcast"
	"github.com/apexloop/race-timing-pipeline/internal/config"
	"github.com/apexloop/race-timing-pipeline/internal/controllog"
	"github.com/apexloop/race-timing-pipeline/internal/enrich"
	"github.com/apexloop/race-timing-pipeline/internal/feedlog"
	"github.com/apexloop/race-timing-pipeline/internal/history"
	"github.com/apexloop/race-timing-pipeline/internal/observability/telemetry"
	"github.com/apexloop/race-timing-pipeline/internal/runtime/pipeline"
	"github.com/apexloop/race-timing-pipeline/internal/store"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rtp-runtime: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	memory bool
	listen string
	format string
	quiet  bool
	record string
	replay string
	speed  float64
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rtp-runtime", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts options
	fs.BoolVar(&opts.memory, "memory", false, "use in-memory stores instead of DynamoDB")
	fs.StringVar(&opts.listen, "listen", "", "TCP address to accept the timing feed on; empty reads stdin")
	fs.StringVar(&opts.format, "format", "jsonl", "feed format: jsonl (TimingMessage per line) or rmonitor (raw protocol lines)")
	fs.BoolVar(&opts.quiet, "quiet", false, "suppress patch-event output on stdout")
	fs.StringVar(&opts.record, "record", "", "append every ingested message to this feed log")
	fs.StringVar(&opts.replay, "replay", "", "play back a recorded feed log instead of a live feed")
	fs.Float64Var(&opts.speed, "speed", 1, "replay speed multiplier; 0 plays back without pacing")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printUsage(stdout)
			return nil
		}
		printUsage(stdout)
		return err
	}
	if opts.format != "jsonl" && opts.format != "rmonitor" {
		return fmt.Errorf("unsupported feed format %q", opts.format)
	}
	if opts.replay != "" && opts.listen != "" {
		return fmt.Errorf("-replay and -listen are mutually exclusive")
	}

	cleanupTelemetry, err := setupRuntimeTelemetry()
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	logger := zerolog.New(stderr).With().Timestamp().Str("component", "rtp-runtime").Logger()
	ctx, stop := signal.NotifyContext(logger.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	stores, err := buildStores(ctx, cfg, opts.memory)
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(cfg, stores)
	if err != nil {
		return err
	}

	logger.Info().
		Int("event_id", cfg.EventID).
		Bool("memory_stores", opts.memory).
		Str("feed_format", opts.format).
		Msg("pipeline starting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if !opts.quiet {
		sub := pipe.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeEvents(sub, stdout, &logger)
		}()
	}

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		pipe.Run(runCtx)
	}()

	offer := func(msg timing.TimingMessage) {
		if !pipe.Offer(msg) {
			logger.Warn().Str("message_type", string(msg.Type)).Msg("ingest queue full, message dropped")
		}
	}
	if opts.record != "" {
		f, err := os.OpenFile(opts.record, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			cancel()
			<-pipeDone
			return fmt.Errorf("opening feed log: %w", err)
		}
		defer f.Close()
		recorder, err := feedlog.NewRecorder(f)
		if err != nil {
			cancel()
			<-pipeDone
			return err
		}
		live := offer
		offer = func(msg timing.TimingMessage) {
			if err := recorder.Record(msg); err != nil {
				logger.Warn().Err(err).Msg("feed log write failed")
			}
			live(msg)
		}
	}

	// The stdin reader cannot be interrupted; on a signal the process shuts
	// the pipeline down and exits without waiting for the next read.
	feedDone := make(chan error, 1)
	go func() { feedDone <- consumeFeed(runCtx, opts, offer, &logger) }()

	var feedErr error
	select {
	case <-ctx.Done():
	case feedErr = <-feedDone:
	}

	cancel()
	<-pipeDone
	wg.Wait()

	if feedErr != nil && ctx.Err() == nil {
		return feedErr
	}
	logger.Info().Msg("pipeline stopped")
	return nil
}

func setupRuntimeTelemetry() (func(), error) {
	previous := telemetry.DefaultEmitter()

	tp, err := telemetry.NewPipelineFromEnv()
	if err != nil {
		return nil, fmt.Errorf("runtime telemetry setup failed: %w", err)
	}
	if tp == nil {
		return func() {
			telemetry.SetDefaultEmitter(previous)
		}, nil
	}

	telemetry.SetDefaultEmitter(tp)
	return func() {
		_ = tp.Close()
		telemetry.SetDefaultEmitter(previous)
	}, nil
}

func buildStores(ctx context.Context, cfg config.Config, memory bool) (pipeline.Stores, error) {
	stores := pipeline.Stores{
		DriverCache: enrich.NewMemoryDriverCache(),
	}

	if memory {
		mem := store.NewMemory()
		hist, err := history.NewMemoryStore(cfg.HistorySize)
		if err != nil {
			return pipeline.Stores{}, err
		}
		stores.LapLogs = mem
		stores.LastLaps = mem
		stores.FlagLog = mem
		stores.History = hist
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return pipeline.Stores{}, fmt.Errorf("loading aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		dyn, err := store.NewDynamo(client, store.DynamoTables{
			LapLog:     cfg.LapLogTable,
			CarLastLap: cfg.CarLastLapTable,
			FlagLog:    cfg.FlagLogTable,
		})
		if err != nil {
			return pipeline.Stores{}, err
		}
		hist, err := history.NewDynamoStore(client, cfg.HistoryTable, cfg.HistorySize)
		if err != nil {
			return pipeline.Stores{}, err
		}
		stores.LapLogs = dyn
		stores.LastLaps = dyn
		stores.FlagLog = dyn
		stores.History = hist

		if cfg.ArchiveBucket != "" {
			putter, err := archive.NewS3Putter(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket)
			if err != nil {
				return pipeline.Stores{}, err
			}
			exporter, err := archive.NewExporter(putter, cfg.EventID)
			if err != nil {
				return pipeline.Stores{}, err
			}
			stores.Archive = exporter
		}
	}

	if cfg.ControlLogURL != "" {
		fetcher, err := controllog.NewHTTPFetcher(cfg.ControlLogURL, nil)
		if err != nil {
			return pipeline.Stores{}, err
		}
		cache, err := controllog.New(controllog.Kind(cfg.ControlLogKind), fetcher, cfg.EventID, cfg.MinTimestampYear, cfg.MaxMissedTS)
		if err != nil {
			return pipeline.Stores{}, err
		}
		stores.ControlLog = cache
	}
	return stores, nil
}

// consumeFeed reads the timing feed until EOF or cancellation.
func consumeFeed(ctx context.Context, opts options, offer func(timing.TimingMessage), logger *zerolog.Logger) error {
	if opts.replay != "" {
		f, err := os.Open(opts.replay)
		if err != nil {
			return fmt.Errorf("opening replay log: %w", err)
		}
		defer f.Close()
		player, err := feedlog.NewReplayer(f, feedlog.WithSpeed(opts.speed))
		if err != nil {
			return err
		}
		n, err := player.Replay(ctx, offer)
		logger.Info().Int("messages", n).Str("path", opts.replay).Msg("replay finished")
		return err
	}
	if opts.listen == "" {
		return feedLines(ctx, os.Stdin, opts.format, offer, logger)
	}

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.listen, err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	logger.Info().Str("address", opts.listen).Msg("accepting timing feed connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting feed connection: %w", err)
		}
		logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("feed connected")
		if err := feedLines(ctx, conn, opts.format, offer, logger); err != nil {
			logger.Warn().Err(err).Msg("feed connection ended with error")
		}
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
	}
}

func feedLines(ctx context.Context, r io.Reader, format string, offer func(timing.TimingMessage), logger *zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		msg, err := parseFeedLine(line, format)
		if err != nil {
			logger.Debug().Err(err).Msg("skipping malformed feed line")
			continue
		}
		offer(msg)
	}
	return scanner.Err()
}

func parseFeedLine(line, format string) (timing.TimingMessage, error) {
	if format == "rmonitor" {
		return timing.TimingMessage{
			Type:        timing.MessageRMonitor,
			Data:        []byte(line),
			TimestampMS: time.Now().UnixMilli(),
		}, nil
	}
	var msg timing.TimingMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return timing.TimingMessage{}, fmt.Errorf("decoding feed line: %w", err)
	}
	if msg.Type == "" {
		return timing.TimingMessage{}, fmt.Errorf("feed line missing message type")
	}
	if msg.TimestampMS == 0 {
		msg.TimestampMS = time.Now().UnixMilli()
	}
	return msg, nil
}

// writeEvents streams broadcast events as JSON lines until the subscription
// closes.
func writeEvents(sub *broadcast.Subscription, w io.Writer, logger *zerolog.Logger) {
	enc := json.NewEncoder(w)
	for ev := range sub.Events {
		out := struct {
			Type    broadcast.EventType       `json:"type"`
			Session *timing.SessionStatePatch `json:"session,omitempty"`
			Cars    []timing.CarPositionPatch `json:"cars,omitempty"`
		}{Type: ev.Type, Session: ev.Session, Cars: ev.Cars}
		if err := enc.Encode(out); err != nil {
			logger.Warn().Err(err).Msg("writing patch event failed")
			return
		}
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "rtp-runtime usage:")
	_, _ = fmt.Fprintln(w, "  rtp-runtime [-memory] [-listen <addr>] [-format jsonl|rmonitor] [-quiet]")
	_, _ = fmt.Fprintln(w, "              [-record <path>] [-replay <path> [-speed <x>]]")
	_, _ = fmt.Fprintln(w, "  configuration comes from RTP_-prefixed environment variables; RTP_EVENT_ID is required")
}
