package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

func intPtr(v int) *int { return &v }

func TestDispatchInArrivalOrder(t *testing.T) {
	t.Parallel()

	published := make(chan timing.PatchUpdates, 8)
	r, err := New(7, 16, func(u timing.PatchUpdates) { published <- u })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Register(timing.MessageRMonitor, func(_ context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error) {
		return timing.PatchUpdates{
			Cars: []timing.CarPositionPatch{{Number: string(msg.Data)}},
		}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	for i := 1; i <= 3; i++ {
		if !r.Offer(timing.TimingMessage{Type: timing.MessageRMonitor, Data: []byte(fmt.Sprintf("%d", i))}) {
			t.Fatalf("offer %d rejected", i)
		}
	}
	for i := 1; i <= 3; i++ {
		select {
		case got := <-published:
			if got.Cars[0].Number != fmt.Sprintf("%d", i) {
				t.Fatalf("out of order: expected %d, got %s", i, got.Cars[0].Number)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	cancel()
	<-done
}

func TestOfferDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	r, err := New(7, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// No consumer running: the queue fills.
	if !r.Offer(timing.TimingMessage{Type: timing.MessageFlags}) {
		t.Fatalf("first offer must succeed")
	}
	if !r.Offer(timing.TimingMessage{Type: timing.MessageFlags}) {
		t.Fatalf("second offer must succeed")
	}
	if r.Offer(timing.TimingMessage{Type: timing.MessageFlags}) {
		t.Fatalf("third offer must be dropped")
	}
	if got := r.QueueDepth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}
}

func TestUnknownTypeAndHandlerErrorAreSkipped(t *testing.T) {
	t.Parallel()

	published := make(chan timing.PatchUpdates, 8)
	r, err := New(7, 16, func(u timing.PatchUpdates) { published <- u })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Register(timing.MessageDriver, func(context.Context, timing.TimingMessage) (timing.PatchUpdates, error) {
		return timing.PatchUpdates{}, fmt.Errorf("bad payload")
	})
	r.Register(timing.MessageFlags, func(context.Context, timing.TimingMessage) (timing.PatchUpdates, error) {
		return timing.PatchUpdates{Session: &timing.SessionStatePatch{SessionID: intPtr(2)}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Offer(timing.TimingMessage{Type: timing.MessageType("mystery")})
	r.Offer(timing.TimingMessage{Type: timing.MessageDriver})
	r.Offer(timing.TimingMessage{Type: timing.MessageFlags})

	select {
	case got := <-published:
		if got.Session == nil || *got.Session.SessionID != 2 {
			t.Fatalf("expected the flags update, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for flags update")
	}
	select {
	case got := <-published:
		t.Fatalf("unexpected extra publish %+v", got)
	default:
	}
}

func TestEmptyUpdatesNotPublished(t *testing.T) {
	t.Parallel()

	published := make(chan timing.PatchUpdates, 1)
	r, err := New(7, 4, func(u timing.PatchUpdates) { published <- u })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handled := make(chan struct{}, 1)
	r.Register(timing.MessageMultiloop, func(context.Context, timing.TimingMessage) (timing.PatchUpdates, error) {
		handled <- struct{}{}
		return timing.PatchUpdates{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Offer(timing.TimingMessage{Type: timing.MessageMultiloop})
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatalf("handler never ran")
	}
	select {
	case got := <-published:
		t.Fatalf("empty updates must not publish, got %+v", got)
	default:
	}
}

func TestConstructorValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(0, 16, nil); err == nil {
		t.Fatalf("zero event id must be rejected")
	}
	if _, err := New(7, 0, nil); err == nil {
		t.Fatalf("zero queue size must be rejected")
	}
}
