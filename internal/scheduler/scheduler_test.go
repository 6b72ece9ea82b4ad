package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"pagewatch/pkg/logx"
)

func noop(ctx context.Context) error { return nil }

func TestUpsertIsIdempotentPerName(t *testing.T) {
	s := New(Config{}, logx.Nop())

	for i := 0; i < 5; i++ {
		if err := s.Upsert("monitor:1", 10*time.Minute, noop); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := s.Upsert("monitor:2", 30*time.Minute, noop); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	names := s.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "monitor:1" || names[1] != "monitor:2" {
		t.Fatalf("Names = %v, want exactly [monitor:1 monitor:2]", names)
	}
}

func TestUpsertValidation(t *testing.T) {
	s := New(Config{}, logx.Nop())
	if err := s.Upsert("", 10*time.Minute, noop); err == nil {
		t.Fatalf("empty name must be rejected")
	}
	if err := s.Upsert("x", 0, noop); err == nil {
		t.Fatalf("non-positive interval must be rejected")
	}
	if err := s.UpsertCron("report", "not a cron spec", noop); err == nil {
		t.Fatalf("bad cron spec must be rejected")
	}
	if err := s.UpsertCron("report", "0 9 * * *", noop); err != nil {
		t.Fatalf("valid cron spec rejected: %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := New(Config{}, logx.Nop())
	if err := s.Upsert("monitor:9", 5*time.Minute, noop); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !s.Remove("monitor:9") {
		t.Fatalf("Remove must report an existing timer")
	}
	if s.Remove("monitor:9") {
		t.Fatalf("second Remove must report no timer")
	}
	if len(s.Names()) != 0 {
		t.Fatalf("Names = %v, want empty", s.Names())
	}
}

func TestSettleScheduleNext(t *testing.T) {
	start := time.Date(2026, 8, 29, 12, 0, 10, 0, time.UTC)
	sched := settleSchedule{start: start, every: 30 * time.Minute}

	before := start.Add(-9 * time.Second)
	if got := sched.Next(before); !got.Equal(start) {
		t.Fatalf("Next before start = %v, want %v", got, start)
	}
	if got := sched.Next(start); !got.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("Next at start = %v, want +30m", got)
	}
	after := start.Add(time.Hour)
	if got := sched.Next(after); !got.Equal(after.Add(30 * time.Minute)) {
		t.Fatalf("Next after start = %v, want t+30m", got)
	}
}

func TestStartRegistersPendingAndRunsJobs(t *testing.T) {
	s := New(Config{Workers: 2, SettleDelay: 50 * time.Millisecond}, logx.Nop())

	var fired atomic.Int32
	if err := s.Upsert("monitor:3", 200*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	deadline := time.After(3 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timer installed before Start never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOverlapGuardSurvivesReschedule(t *testing.T) {
	s := New(Config{Workers: 2, SettleDelay: 20 * time.Millisecond}, logx.Nop())

	release := make(chan struct{})
	var oldRuns atomic.Int32
	if err := s.Upsert("monitor:1", 50*time.Millisecond, func(ctx context.Context) error {
		oldRuns.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	deadline := time.After(3 * time.Second)
	for oldRuns.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("old timer never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Reschedule the same name while the old tick is still in flight.
	// The replacement must not run concurrently with it.
	var newRuns atomic.Int32
	if err := s.Upsert("monitor:1", 30*time.Millisecond, func(ctx context.Context) error {
		newRuns.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Upsert (reschedule): %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if n := newRuns.Load(); n != 0 {
		t.Fatalf("replacement timer ran %d times while the previous tick was still in flight", n)
	}
	close(release)

	deadline = time.After(3 * time.Second)
	for newRuns.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("replacement timer never ran after the old tick finished")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOverlapSkipped(t *testing.T) {
	s := New(Config{Workers: 2, SettleDelay: 20 * time.Millisecond}, logx.Nop())

	release := make(chan struct{})
	var entered atomic.Int32
	if err := s.Upsert("monitor:slow", 50*time.Millisecond, func(ctx context.Context) error {
		entered.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Let several fire points pass while the first run is blocked.
	time.Sleep(400 * time.Millisecond)
	if n := entered.Load(); n > 1 {
		t.Fatalf("job entered %d times concurrently, want at most 1", n)
	}
	close(release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}
