// Package sweeper implements the timeout sweeper: a periodic scan that
// transitions PROCESSING tasks stuck past the task timeout to TIMEOUT.
// Exactly one process acts per sweep interval: in shared mode that's
// whichever process holds the leader lock; in local-fallback mode every
// process sweeps its own in-memory Monitor, since there is no fleet to
// coordinate across.
package sweeper

import (
	"context"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/observability/logging"
)

// DefaultSweepInterval is how often the sweeper scans.
const DefaultSweepInterval = 60 * time.Second

// DefaultTaskTimeout is the PROCESSING duration past which a task is
// considered stuck.
const DefaultTaskTimeout = 1800 * time.Second

// Leader is the advisory-lock contract the sweeper uses to elect one
// active sweeper across a fleet. TryAcquire attempts to become (or remain)
// leader for one lease period; Release gives it up early (e.g. on
// shutdown).
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// AlwaysLeader is the local-fallback Leader: every process is always the
// leader of its own in-memory Monitor, since there is nothing to elect
// across.
type AlwaysLeader struct{}

// TryAcquire always succeeds.
func (AlwaysLeader) TryAcquire(context.Context) (bool, error) { return true, nil }

// Release is a no-op.
func (AlwaysLeader) Release(context.Context) error { return nil }

// MetricsRecorder is the optional metrics hook the sweeper reports
// through.
type MetricsRecorder interface {
	RecordSweep(timedOut int)
	RecordLeadership(isLeader bool)
}

// Sweeper periodically scans for and times out stuck tasks.
type Sweeper struct {
	mon         monitor.Monitor
	leader      Leader
	interval    time.Duration
	taskTimeout time.Duration
	metrics     MetricsRecorder
	now         func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides DefaultSweepInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithTaskTimeout overrides DefaultTaskTimeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.taskTimeout = d }
}

// WithMetrics wires a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// New constructs a Sweeper. leader is the advisory lock used to elect one
// active sweeper per sweep (AlwaysLeader in local-fallback mode).
func New(mon monitor.Monitor, leader Leader, opts ...Option) *Sweeper {
	s := &Sweeper{
		mon:         mon,
		leader:      leader,
		interval:    DefaultSweepInterval,
		taskTimeout: DefaultTaskTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log := logging.WithComponent("sweeper")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.leader.Release(context.Background())
			return
		case <-ticker.C:
			if n := s.sweepOnce(ctx); n > 0 {
				log.Info().Int("timedOut", n).Msg("sweeper: timed out stuck tasks")
			}
		}
	}
}

// sweepOnce runs one sweep pass if this process holds the leader lock and
// returns how many tasks it timed out.
func (s *Sweeper) sweepOnce(ctx context.Context) int {
	isLeader, err := s.leader.TryAcquire(ctx)
	if err != nil {
		return 0
	}
	if s.metrics != nil {
		s.metrics.RecordLeadership(isLeader)
	}
	if !isLeader {
		return 0
	}

	tasks, err := s.mon.ListProcessing(ctx)
	if err != nil {
		return 0
	}

	now := s.now()
	timedOut := 0
	for _, t := range tasks {
		if now.Sub(t.StartTime) <= s.taskTimeout {
			continue
		}
		if err := s.mon.TimeoutTask(ctx, t.TextID); err == nil {
			timedOut++
		}
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(timedOut)
	}
	return timedOut
}
