// Package feedlog captures the raw ingress stream and plays it back with the
// original message timing, so a session can be reproduced offline against the
// same pipeline.
package feedlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// maxReplayGap caps the pause between two replayed messages. Feeds go quiet
// between sessions; replay should not.
const maxReplayGap = 5 * time.Second

// Recorder appends every offered message to a JSONL stream, one message per
// line in arrival order.
type Recorder struct {
	mu    sync.Mutex
	enc   *json.Encoder
	count int
}

// NewRecorder wraps a writer. The caller owns closing it.
func NewRecorder(w io.Writer) (*Recorder, error) {
	if w == nil {
		return nil, fmt.Errorf("writer is required")
	}
	return &Recorder{enc: json.NewEncoder(w)}, nil
}

// Record appends one message.
func (r *Recorder) Record(msg timing.TimingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(msg); err != nil {
		return fmt.Errorf("recording feed message: %w", err)
	}
	r.count++
	return nil
}

// Count returns the number of recorded messages.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Replayer reads a recorded stream and re-offers it, sleeping the recorded
// inter-message gaps scaled by Speed.
type Replayer struct {
	r     io.Reader
	speed float64
	sleep func(context.Context, time.Duration)
}

// ReplayerOption adjusts replay behavior.
type ReplayerOption func(*Replayer)

// WithSpeed scales playback: 2 plays twice as fast, 0 disables pacing
// entirely.
func WithSpeed(speed float64) ReplayerOption {
	return func(p *Replayer) { p.speed = speed }
}

// withSleep injects the pacing sleep. Tests use it to assert gaps without
// waiting them out.
func withSleep(sleep func(context.Context, time.Duration)) ReplayerOption {
	return func(p *Replayer) { p.sleep = sleep }
}

// NewReplayer wraps a recorded JSONL stream.
func NewReplayer(r io.Reader, opts ...ReplayerOption) (*Replayer, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is required")
	}
	p := &Replayer{r: r, speed: 1, sleep: sleepCtx}
	for _, opt := range opts {
		opt(p)
	}
	if p.speed < 0 {
		return nil, fmt.Errorf("speed must be >= 0")
	}
	return p, nil
}

// Replay decodes the stream in order and hands each message to offer,
// pausing between messages per the recorded timestamps. It returns the
// number of messages offered; cancellation stops playback without error.
func (p *Replayer) Replay(ctx context.Context, offer func(timing.TimingMessage)) (int, error) {
	if offer == nil {
		return 0, fmt.Errorf("offer func is required")
	}

	scanner := bufio.NewScanner(p.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	offered := 0
	var lastTS int64
	for scanner.Scan() {
		if ctx.Err() != nil {
			return offered, nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg timing.TimingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return offered, fmt.Errorf("decoding recorded message %d: %w", offered+1, err)
		}

		if gap := p.gap(lastTS, msg.TimestampMS); gap > 0 {
			p.sleep(ctx, gap)
			if ctx.Err() != nil {
				return offered, nil
			}
		}
		lastTS = msg.TimestampMS

		offer(msg)
		offered++
	}
	if err := scanner.Err(); err != nil {
		return offered, fmt.Errorf("reading recorded stream: %w", err)
	}
	return offered, nil
}

func (p *Replayer) gap(lastTS, ts int64) time.Duration {
	if p.speed == 0 || lastTS == 0 || ts <= lastTS {
		return 0
	}
	gap := time.Duration(float64(ts-lastTS)/p.speed) * time.Millisecond
	if gap > maxReplayGap {
		gap = maxReplayGap
	}
	return gap
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
