// Package watch drives fixed-interval polling cycles that alternate between
// a cheap discovery pass and a rarer, heavier verification pass.
//
// Cycles never overlap. The sleep after a cycle is the interval minus the
// time the cycle took, clamped at zero, so a slow cycle shortens the next
// wait but never causes a burst of catch-up cycles. A failing or panicking
// cycle is logged and counted; the loop keeps going.
//
// Typical usage:
//
//	s := watch.New(watch.Options{Interval: 10 * time.Minute, VerifyEvery: 36})
//	err := s.Run(ctx, func(ctx context.Context, c watch.Cycle) error {
//		return svc.ExecuteCycle(ctx, c)
//	})
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Mode selects what a cycle does.
type Mode int

const (
	// Discovery looks for items not yet recorded.
	Discovery Mode = iota
	// Verification re-fingerprints recent known items.
	Verification
)

func (m Mode) String() string {
	if m == Verification {
		return "verification"
	}
	return "discovery"
}

// ParseMode accepts "discovery" or "verification" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discovery":
		return Discovery, nil
	case "verification", "verify":
		return Verification, nil
	}
	return Discovery, fmt.Errorf("watch: unknown mode %q", s)
}

// ModeFor returns Verification when index is a multiple of period.
func ModeFor(index, period int64) Mode {
	if period > 0 && index%period == 0 {
		return Verification
	}
	return Discovery
}

// SleepFor returns how long to wait after a cycle that took elapsed.
func SleepFor(interval, elapsed time.Duration) time.Duration {
	if d := interval - elapsed; d > 0 {
		return d
	}
	return 0
}

// Cycle identifies one execution.
type Cycle struct {
	Index   int64
	Mode    Mode
	Started time.Time
}

// Action executes one cycle.
type Action func(ctx context.Context, c Cycle) error

// Options tunes the scheduler.
type Options struct {
	// Interval is the target time between cycle starts. Default: 10m.
	Interval time.Duration
	// VerifyEvery makes every Nth cycle a verification. Default: 36.
	VerifyEvery int64
	// FirstIndex is the index of the first cycle. Default: 1, so the first
	// cycle after start-up is a discovery.
	FirstIndex int64
	// Force, when non-nil, runs every cycle in that mode.
	Force *Mode
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Clock and Sleep are replaced in tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Minute
	}
	if o.VerifyEvery <= 0 {
		o.VerifyEvery = 36
	}
	if o.FirstIndex <= 0 {
		o.FirstIndex = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = Sleep
	}
}

// Scheduler runs cycles one after another. Stats is safe for concurrent
// use; Run and Once must not be called concurrently.
type Scheduler struct {
	opts Options
	next int64

	// Counters for observability (exported via Stats).
	cycles       atomic.Int64
	discoveries  atomic.Int64
	verifies     atomic.Int64
	failures     atomic.Int64
	cycleNs      atomic.Int64
	lastIndex    atomic.Int64
	lastFinished atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Cycles        int64         `json:"cycles"`
	Discoveries   int64         `json:"discoveries"`
	Verifications int64         `json:"verifications"`
	Failures      int64         `json:"failures"`
	LastIndex     int64         `json:"last_index"`
	LastFinished  time.Time     `json:"last_finished"`
	AvgCycleTime  time.Duration `json:"avg_cycle_time"`
}

// New creates a Scheduler. Call Run to start the loop.
func New(opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{opts: opts, next: opts.FirstIndex}
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Cycles:        s.cycles.Load(),
		Discoveries:   s.discoveries.Load(),
		Verifications: s.verifies.Load(),
		Failures:      s.failures.Load(),
		LastIndex:     s.lastIndex.Load(),
	}
	if ns := s.lastFinished.Load(); ns > 0 {
		st.LastFinished = time.Unix(0, ns)
	}
	if st.Cycles > 0 {
		st.AvgCycleTime = time.Duration(s.cycleNs.Load() / st.Cycles)
	}
	return st
}

// Run blocks until ctx is cancelled, running action every Interval.
// It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context, action Action) error {
	log := s.opts.Logger
	log.Info("watch: started", "interval", s.opts.Interval, "verify_every", s.opts.VerifyEvery)

	for {
		if ctx.Err() != nil {
			log.Info("watch: stopped")
			return nil
		}
		elapsed := s.Once(ctx, action)
		wait := SleepFor(s.opts.Interval, elapsed)
		log.Debug("watch: sleeping", "duration", wait)
		if err := s.opts.Sleep(ctx, wait); err != nil {
			log.Info("watch: stopped")
			return nil
		}
	}
}

// Once runs a single cycle and returns its duration. Failures are logged
// and counted, never returned.
func (s *Scheduler) Once(ctx context.Context, action Action) time.Duration {
	c := Cycle{Index: s.next, Started: s.opts.Clock()}
	s.next++
	c.Mode = ModeFor(c.Index, s.opts.VerifyEvery)
	if s.opts.Force != nil {
		c.Mode = *s.opts.Force
	}

	s.execute(ctx, c, action)

	elapsed := s.opts.Clock().Sub(c.Started)
	s.cycles.Add(1)
	if c.Mode == Verification {
		s.verifies.Add(1)
	} else {
		s.discoveries.Add(1)
	}
	s.cycleNs.Add(int64(elapsed))
	s.lastIndex.Store(c.Index)
	s.lastFinished.Store(s.opts.Clock().UnixNano())
	return elapsed
}

func (s *Scheduler) execute(ctx context.Context, c Cycle, action Action) {
	log := s.opts.Logger.With("cycle", c.Index, "mode", c.Mode.String())
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			log.Error("watch: cycle panicked", "panic", fmt.Sprint(r))
		}
	}()

	log.Debug("watch: cycle starting")
	if err := action(ctx, c); err != nil {
		s.failures.Add(1)
		log.Error("watch: cycle failed", "error", err)
		return
	}
	log.Debug("watch: cycle complete", "duration", s.opts.Clock().Sub(c.Started))
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
// It is the default sleeper of every component that paces itself.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
