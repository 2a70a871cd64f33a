// Package segmentworker executes one dialogue segment against a fresh
// Provider Session per attempt, with bounded retries and linear backoff.
package segmentworker

import (
	"context"
	"errors"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
)

// Synthesizer is the narrow surface segmentworker needs from a provider
// session; *provider.Session satisfies it, and tests substitute a fake.
type Synthesizer interface {
	Synthesize(ctx context.Context, seg dialogue.Segment, voices dialogue.VoiceMap) ([]byte, error)
}

// SessionFactory creates a fresh Synthesizer for one attempt. A Segment
// Worker never reuses a session across retries.
type SessionFactory func() Synthesizer

// Policy configures retry behavior.
type Policy struct {
	MaxRetries int           // attempts beyond the first; default 3
	BaseDelay  time.Duration // linear backoff base; default 1s
	// RetryJitter adds up to this much random slack atop the linear
	// backoff delay to avoid synchronized retries against the same
	// provider endpoint. Zero (the default) keeps backoff exactly
	// base*attempt.
	RetryJitter time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second}
}

// Result is one segment's outcome, always carrying its Index so the Task
// Engine can reassemble output in order regardless of completion order.
type Result struct {
	Index int
	Audio []byte
	Err   error
}

// jitterSource is overridden in tests to make jittered backoff
// deterministic; production derives jitter from time.Now().UnixNano()
// rather than math/rand's global source to avoid its lock under
// concurrent segment workers.
type jitterSource func(max time.Duration) time.Duration

func defaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n := time.Now().UnixNano()
	return time.Duration(n%int64(max+1)) % max
}

// Metrics is the optional per-attempt metrics hook.
type Metrics interface {
	RecordSegmentAttempt(outcome string)
	RecordProviderError(class string)
	RecordSegmentDuration(seconds float64)
}

// Worker runs one segment to completion, retrying transient failures.
type Worker struct {
	newSession SessionFactory
	policy     Policy
	voices     dialogue.VoiceMap
	jitter     jitterSource
	metrics    Metrics
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics wires a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New constructs a Worker.
func New(newSession SessionFactory, policy Policy, voices dialogue.VoiceMap, opts ...Option) *Worker {
	w := &Worker{
		newSession: newSession,
		policy:     policy,
		voices:     voices,
		jitter:     defaultJitter,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes seg, retrying on transient failures up to policy.MaxRetries
// additional attempts. On exhaustion it returns the last error, with
// seg.Index preserved in the Result.
func (w *Worker) Run(ctx context.Context, seg dialogue.Segment) Result {
	started := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.RecordSegmentDuration(time.Since(started).Seconds())
		}
	}()

	var lastErr error

	maxAttempts := w.policy.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		session := w.newSession()
		audio, err := session.Synthesize(ctx, seg, w.voices)
		if err == nil {
			w.recordAttempt("success")
			return Result{Index: seg.Index, Audio: audio}
		}
		w.recordError(err)

		lastErr = err
		if ctx.Err() != nil {
			// The caller cancelled us (e.g. a sibling batch member
			// failed) or our deadline passed; report that directly
			// rather than the timeout symptom it produced downstream,
			// and stop instead of retrying into a dead context.
			lastErr = ctx.Err()
			break
		}
		if !isRetryable(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		w.recordAttempt("retry")
		if err := w.wait(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}

	w.recordAttempt("failure")
	return Result{Index: seg.Index, Err: lastErr}
}

func (w *Worker) recordAttempt(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordSegmentAttempt(outcome)
	}
}

func (w *Worker) recordError(err error) {
	if w.metrics == nil {
		return
	}
	var pe *provider.ProviderError
	if !errors.As(err, &pe) {
		return
	}
	if pe.Class == provider.ErrorClassTransient {
		w.metrics.RecordProviderError("transient")
		return
	}
	w.metrics.RecordProviderError("fatal")
}

func (w *Worker) wait(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt) * w.policy.BaseDelay
	if w.policy.RetryJitter > 0 {
		delay += w.jitter(w.policy.RetryJitter)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryable reports whether err qualifies for a retry: ErrTimeout,
// ErrTruncated, and transient provider errors are retried; everything
// else is not.
func isRetryable(err error) bool {
	if errors.Is(err, provider.ErrTimeout) || errors.Is(err, provider.ErrTruncated) {
		return true
	}

	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		return pe.Class == provider.ErrorClassTransient
	}

	return false
}
