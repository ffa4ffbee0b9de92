package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

type fakeSweeper struct{ n int32 }

func (f *fakeSweeper) Sweep() int { atomic.AddInt32(&f.n, 1); return 1 }

type fakePruner struct{ n int32 }

func (f *fakePruner) PruneStale() (int, int) { atomic.AddInt32(&f.n, 1); return 0, 0 }

type fakeCompactor struct {
	n   int32
	err error
}

func (f *fakeCompactor) Compact(ctx context.Context) error { atomic.AddInt32(&f.n, 1); return f.err }

func waitCount(t *testing.T, c *int32, want int32, msg string) {
	t.Helper()
	// cron.Every rounds sub-second delays up to one second
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(c) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s (have %d, want >= %d)", msg, atomic.LoadInt32(c), want)
}

func TestJanitorRunsSweepAndCompact(t *testing.T) {
	t.Parallel()
	sweeper := &fakeSweeper{}
	pruner := &fakePruner{}
	compactor := &fakeCompactor{}
	s := New(Config{Enabled: true, Sweep: "100ms", Compact: "150ms"}, logx.Nop(), Targets{
		Cache:    sweeper,
		Delivery: pruner,
		Store:    compactor,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	waitCount(t, &sweeper.n, 2, "sweep never ran")
	waitCount(t, &pruner.n, 1, "prune never ran")
	waitCount(t, &compactor.n, 1, "compact never ran")

	snap := s.Snapshot()
	if !snap.Running || snap.Sweeps < 2 || snap.Compacts < 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDisabledJanitorIsInert(t *testing.T) {
	t.Parallel()
	sweeper := &fakeSweeper{}
	s := New(Config{Enabled: false, Sweep: "10ms"}, logx.Nop(), Targets{Cache: sweeper})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&sweeper.n) != 0 {
		t.Fatal("disabled janitor ran a job")
	}
	if s.Snapshot().Running {
		t.Fatal("disabled janitor reports running")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Sweep: "nonsense"}, logx.Nop(), Targets{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestJobErrorIsCountedNotFatal(t *testing.T) {
	t.Parallel()
	compactor := &fakeCompactor{err: errors.New("disk full")}
	s := New(Config{Enabled: true, Sweep: "1h", Compact: "50ms"}, logx.Nop(), Targets{Store: compactor})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	waitCount(t, &compactor.n, 2, "compact stopped after an error")
	if s.Snapshot().Errors == 0 {
		t.Fatal("job error not counted")
	}
}

func TestApplyRebuildsSchedules(t *testing.T) {
	t.Parallel()
	sweeper := &fakeSweeper{}
	s := New(Config{Enabled: true, Sweep: "1h", Compact: "1h"}, logx.Nop(), Targets{Cache: sweeper})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if err := s.Apply(Config{Enabled: true, Sweep: "50ms", Compact: "1h"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	waitCount(t, &sweeper.n, 1, "rescheduled sweep never ran")
}
