// Package maintenance runs the background janitor: periodic cache
// sweeps, stale pending prunes, inbox snapshots, storage compaction, and
// cross-tab channel truncation. Schedules accept cron specs or plain
// durations.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

const jobTimeout = time.Minute

// Config tunes the janitor.
type Config struct {
	Enabled  bool
	Sweep    string // default "5m"
	Compact  string // default "1h"
	Timezone string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Sweep) == "" {
		c.Sweep = "5m"
	}
	if strings.TrimSpace(c.Compact) == "" {
		c.Compact = "1h"
	}
	return c
}

// Targets are the collaborators the janitor services. Nil fields are
// skipped, so partial wiring (storage disabled, no file channel) is fine.
type Targets struct {
	Cache    interface{ Sweep() int }
	Delivery interface{ PruneStale() (marked, dropped int) }
	Inbox    interface{ SaveSnapshot(ctx context.Context) error }
	Store    interface{ Compact(ctx context.Context) error }
	TabsFile interface{ Truncate() error }
}

var ErrAlreadyRunning = errors.New("maintenance: already running")

// Service drives the jobs off a robfig/cron runner.
type Service struct {
	log     logx.Logger
	targets Targets
	parser  cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	running bool

	sweeps   uint64
	compacts uint64
	errs     uint64
}

// New builds the janitor.
func New(cfg Config, log logx.Logger, targets Targets) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		targets: targets,
		cfg:     cfg.withDefaults(),
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the schedules and launches the cron runner.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}
	c, err := s.buildLocked()
	if err != nil {
		return err
	}
	s.c = c
	s.c.Start()
	s.running = true
	s.log.Info("maintenance started",
		logx.String("sweep", s.cfg.Sweep),
		logx.String("compact", s.cfg.Compact))
	return nil
}

// Stop halts the runner, waiting for in-flight jobs up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps tunables at runtime; a running janitor is rebuilt so new
// schedules take effect.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	if !s.running {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !s.cfg.Enabled {
		s.running = false
		return nil
	}
	c, err := s.buildLocked()
	if err != nil {
		s.running = false
		return err
	}
	s.c = c
	s.c.Start()
	return nil
}

func (s *Service) buildLocked() (*cron.Cron, error) {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("maintenance: timezone %q: %w", tz, err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if err := s.register(c, s.cfg.Sweep, "sweep", s.runSweep); err != nil {
		return nil, err
	}
	if err := s.register(c, s.cfg.Compact, "compact", s.runCompact); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) register(c *cron.Cron, schedule, name string, job func()) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("maintenance: %s schedule: %w", name, err)
	}
	wrapped := func() { s.guard(name, job) }
	switch ps.Kind {
	case SpecCron:
		if _, err := c.AddFunc(ps.Cron, wrapped); err != nil {
			return fmt.Errorf("maintenance: %s cron %q: %w", name, ps.Cron, err)
		}
	case SpecInterval:
		c.Schedule(cron.Every(ps.Every), cron.FuncJob(wrapped))
	}
	return nil
}

func (s *Service) guard(name string, job func()) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.errs++
			s.mu.Unlock()
			s.log.Error("maintenance job panicked",
				logx.String("job", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// runSweep clears expired cache entries, prunes stuck pending sends, and
// snapshots the inbox.
func (s *Service) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if s.targets.Cache != nil {
		if n := s.targets.Cache.Sweep(); n > 0 {
			s.log.Debug("cache swept", logx.Int("expired", n))
		}
	}
	if s.targets.Delivery != nil {
		marked, dropped := s.targets.Delivery.PruneStale()
		if marked+dropped > 0 {
			s.log.Info("stale sends pruned",
				logx.Int("marked_error", marked),
				logx.Int("dropped", dropped))
		}
	}
	if s.targets.Inbox != nil {
		if err := s.targets.Inbox.SaveSnapshot(ctx); err != nil {
			s.fail("inbox snapshot failed", err)
		}
	}
	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()
}

// runCompact compacts durable storage and truncates the cross-tab file.
func (s *Service) runCompact() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if s.targets.Store != nil {
		if err := s.targets.Store.Compact(ctx); err != nil {
			s.fail("storage compaction failed", err)
		}
	}
	if s.targets.TabsFile != nil {
		if err := s.targets.TabsFile.Truncate(); err != nil {
			s.fail("cross-tab channel truncation failed", err)
		}
	}
	s.mu.Lock()
	s.compacts++
	s.mu.Unlock()
}

func (s *Service) fail(msg string, err error) {
	s.mu.Lock()
	s.errs++
	s.mu.Unlock()
	s.log.Warn(msg, logx.Err(err))
}

// Snapshot reports janitor counters for the status surface.
type Snapshot struct {
	Running  bool   `json:"running"`
	Sweeps   uint64 `json:"sweeps"`
	Compacts uint64 `json:"compacts"`
	Errors   uint64 `json:"errors"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Running: s.running, Sweeps: s.sweeps, Compacts: s.compacts, Errors: s.errs}
}
