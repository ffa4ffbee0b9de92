package api

import (
	"strings"
	"sync"
	"time"
)

// breakerState tracks consecutive failures for a single resource class.
//
// Consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// BreakerConfig holds effective settings after applying defaults. A
// negative TripAfter disables the breaker.
type BreakerConfig struct {
	TripAfter    int
	CooldownBase time.Duration
	CooldownMax  time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter == 0 {
		c.TripAfter = 5
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 5 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

func (c BreakerConfig) enabled() bool { return c.TripAfter > 0 }

type breakerStore struct {
	mu  sync.Mutex
	cfg BreakerConfig
	m   map[string]*breakerState
	now func() time.Time
}

func newBreakerStore(cfg BreakerConfig) *breakerStore {
	return &breakerStore{cfg: cfg.withDefaults(), m: map[string]*breakerState{}, now: time.Now}
}

func (s *breakerStore) apply(cfg BreakerConfig) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *breakerStore) stateLocked(class string) *breakerState {
	st := s.m[class]
	if st == nil {
		st = &breakerState{}
		s.m[class] = st
	}
	return st
}

// Opportunistic reset if the last failure was long ago.
func (s *breakerStore) maybeResetLocked(st *breakerState, now time.Time) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > s.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// isOpen reports whether the class circuit is open and until when.
func (s *breakerStore) isOpen(class string) (bool, time.Time) {
	class = strings.TrimSpace(class)
	if class == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.enabled() {
		return false, time.Time{}
	}
	now := s.now()
	st := s.stateLocked(class)
	s.maybeResetLocked(st, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record feeds one request outcome into the class circuit.
func (s *breakerStore) record(class string, err error) {
	class = strings.TrimSpace(class)
	if class == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.enabled() {
		return
	}
	now := s.now()
	st := s.stateLocked(class)
	s.maybeResetLocked(st, now)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < s.cfg.TripAfter {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - s.cfg.TripAfter
	d := s.cfg.CooldownBase
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= s.cfg.CooldownMax {
			d = s.cfg.CooldownMax
			break
		}
	}
	if d > s.cfg.CooldownMax {
		d = s.cfg.CooldownMax
	}
	st.openUntil = now.Add(d)
}

// snapshot reports tracked and currently open circuits.
func (s *breakerStore) snapshot() (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
