package loop

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunnerFiresImmediatelyThenOnInterval(t *testing.T) {
	var passes atomic.Int32
	r := NewRunner("test", 20*time.Millisecond, func(context.Context) error {
		passes.Add(1)
		return nil
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	got := passes.Load()
	if got < 3 {
		t.Errorf("passes = %d, want at least 3 (immediate + ticks)", got)
	}
}

func TestRunnerSkipsOverlappingTicks(t *testing.T) {
	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	r := NewRunner("slow", 10*time.Millisecond, func(context.Context) error {
		cur := inFlight.Add(1)
		if cur > maxSeen.Load() {
			maxSeen.Store(cur)
		}
		time.Sleep(35 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent passes = %d, want 1", maxSeen.Load())
	}
}

func TestRunnerContinuesAfterTaskError(t *testing.T) {
	var passes atomic.Int32
	r := NewRunner("flaky", 15*time.Millisecond, func(context.Context) error {
		passes.Add(1)
		return fmt.Errorf("pass %d failed", passes.Load())
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if passes.Load() < 2 {
		t.Errorf("passes = %d, want the loop to keep going after errors", passes.Load())
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	r := NewRunner("stop", time.Hour, func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return nil
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
