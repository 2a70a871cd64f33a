// Package taskengine orchestrates one task end-to-end: parse, strategy
// selection, bounded-batch dispatch, ordered concatenation, upload, and
// the terminal Monitor transition.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
	"github.com/blueapplecc-ppp/tts-vocl/internal/segmentworker"
	"github.com/blueapplecc-ppp/tts-vocl/internal/store"
	"github.com/blueapplecc-ppp/tts-vocl/internal/taskerr"
)

// Config holds the dispatch-strategy and segmentation parameters.
type Config struct {
	LongTextThreshold     int // default 2000
	MaxConcurrentSegments int // default 10
	MaxPerSegment         int // default 10
	SlotRenewInterval     time.Duration
}

// DefaultConfig returns the default dispatch parameters.
func DefaultConfig() Config {
	return Config{
		LongTextThreshold:     2000,
		MaxConcurrentSegments: 10,
		MaxPerSegment:         10,
		SlotRenewInterval:     60 * time.Second,
	}
}

// Metrics is the optional per-task metrics hook.
type Metrics interface {
	RecordTaskStart()
	RecordTaskEnd(status string, durationSeconds float64)
	RecordStrategy(strategy string)
}

// Engine executes whole tasks. One Engine instance is shared across
// concurrent Execute calls; Execute itself is the unit of per-task state.
type Engine struct {
	cfg     Config
	worker  *segmentworker.Worker
	monitor monitor.Monitor
	blobs   store.BlobStore
	audios  store.AudioRepository
	limiter limiter.Limiter
	metrics Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics wires a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine.
func New(cfg Config, worker *segmentworker.Worker, mon monitor.Monitor, blobs store.BlobStore, audios store.AudioRepository, lim limiter.Limiter, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, worker: worker, monitor: mon, blobs: blobs, audios: audios, limiter: lim}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input names one task execution. The caller must already hold the Global
// Limiter slot and have registered the task as PROCESSING with the
// Monitor before calling Execute.
type Input struct {
	TextID string
	UserID string
	Text   string
	Voices dialogue.VoiceMap
	Slot   limiter.Slot
}

// Execute runs a task's full pipeline. The Global Limiter slot is released
// exactly once, on every exit path.
func (e *Engine) Execute(ctx context.Context, in Input) error {
	stopRenew := e.startSlotRenewal(ctx, in.Slot)
	defer stopRenew()
	defer e.release(ctx, in.Slot)

	started := time.Now()
	if e.metrics != nil {
		e.metrics.RecordTaskStart()
		defer func() {
			task, err := e.monitor.GetTask(ctx, in.TextID)
			status := string(monitor.StatusFailed)
			if err == nil {
				status = string(task.Status)
			}
			e.metrics.RecordTaskEnd(status, time.Since(started).Seconds())
		}()
	}

	turns, err := dialogue.Parse(in.Text, in.Voices)
	if err != nil {
		return e.fail(ctx, in.TextID, taskerr.KindInput, err)
	}

	segments := dialogue.Segments(turns, e.cfg.MaxPerSegment)
	strategy := e.chooseStrategy(len(in.Text), len(segments))
	if e.metrics != nil {
		e.metrics.RecordStrategy(string(strategy))
	}

	if err := e.monitor.SetStrategy(ctx, in.TextID, strategy, len(segments)); err != nil {
		return e.fail(ctx, in.TextID, taskerr.KindInternal, fmt.Errorf("taskengine: set strategy: %w", err))
	}

	var audio []byte
	if strategy == monitor.StrategySerial {
		audio, err = e.runSerial(ctx, in.TextID, segments)
	} else {
		audio, err = e.runParallel(ctx, in.TextID, segments)
	}
	if err != nil {
		return e.fail(ctx, in.TextID, classify(err), err)
	}

	return e.complete(ctx, in.TextID, in.UserID, len(in.Text), audio)
}

// chooseStrategy picks the dispatch strategy. The threshold is inclusive:
// exactly LongTextThreshold characters yields PARALLEL.
func (e *Engine) chooseStrategy(textLen, segmentCount int) monitor.Strategy {
	if segmentCount == 1 || textLen < e.cfg.LongTextThreshold {
		return monitor.StrategySerial
	}
	return monitor.StrategyParallel
}

func (e *Engine) runSerial(ctx context.Context, textID string, segments []dialogue.Segment) ([]byte, error) {
	var audio []byte
	for i, seg := range segments {
		res := e.worker.Run(ctx, seg)
		if res.Err != nil {
			return nil, res.Err
		}
		audio = append(audio, res.Audio...)
		if err := e.monitor.UpdateProgress(ctx, textID, i+1); err != nil {
			return nil, fmt.Errorf("taskengine: update progress: %w", err)
		}
	}
	return audio, nil
}

// runParallel dispatches contiguous batches of e.cfg.MaxConcurrentSegments
// segments. A batch member's failure cancels the remaining in-flight
// workers in that batch; no partial audio from a failed task is ever
// assembled.
func (e *Engine) runParallel(ctx context.Context, textID string, segments []dialogue.Segment) ([]byte, error) {
	results := make([]segmentworker.Result, len(segments))
	completed := 0

	for start := 0; start < len(segments); start += e.cfg.MaxConcurrentSegments {
		end := start + e.cfg.MaxConcurrentSegments
		if end > len(segments) {
			end = len(segments)
		}
		batch := segments[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for i, seg := range batch {
			idx := start + i
			seg := seg
			g.Go(func() error {
				res := e.worker.Run(gctx, seg)
				results[idx] = res
				return res.Err
			})
		}
		_ = g.Wait()

		if failure, ok := firstRealFailure(results[start:end]); ok {
			return nil, failure
		}

		completed += len(batch)
		if err := e.monitor.UpdateProgress(ctx, textID, completed); err != nil {
			return nil, fmt.Errorf("taskengine: update progress: %w", err)
		}
	}

	var audio []byte
	for _, r := range results {
		audio = append(audio, r.Audio...)
	}
	return audio, nil
}

// firstRealFailure returns the lowest-index genuine failure in a batch,
// preferring it over context.Canceled results from peers that were
// aborted because of that failure, so the task reports the kind of the
// segment that actually broke.
func firstRealFailure(batch []segmentworker.Result) (error, bool) {
	var cancelFallback error
	for _, r := range batch {
		if r.Err == nil {
			continue
		}
		if errors.Is(r.Err, context.Canceled) {
			if cancelFallback == nil {
				cancelFallback = r.Err
			}
			continue
		}
		return r.Err, true
	}
	if cancelFallback != nil {
		return cancelFallback, true
	}
	return nil, false
}

func (e *Engine) complete(ctx context.Context, textID, userID string, charCount int, audio []byte) error {
	now := time.Now()
	version, err := store.NextVersion(ctx, e.audios, textID)
	if err != nil {
		return e.fail(ctx, textID, taskerr.KindStorage, err)
	}

	bucket := store.CharBucket(charCount)
	key := store.AudioObjectKey(now, textID, bucket, version)
	filename := fmt.Sprintf("%s_v%02d.mp3", textID, version)

	if _, err := e.blobs.Put(ctx, key, audio, "audio/mpeg", false); err != nil {
		return e.fail(ctx, textID, taskerr.KindStorage, fmt.Errorf("taskengine: blob put: %w", err))
	}

	row := store.AudioRow{
		AudioID:    fmt.Sprintf("%s-v%02d", textID, version),
		TextID:     textID,
		UserID:     userID,
		Filename:   filename,
		ObjectKey:  key,
		Size:       int64(len(audio)),
		VersionNum: version,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.audios.Insert(ctx, row); err != nil {
		return e.fail(ctx, textID, taskerr.KindStorage, fmt.Errorf("taskengine: insert audio row: %w", err))
	}

	if err := e.monitor.CompleteTask(ctx, textID, key, filename); err != nil {
		return fmt.Errorf("taskengine: complete_task: %w", err)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, textID string, kind taskerr.Kind, cause error) error {
	if err := e.monitor.FailTask(ctx, textID, kind, cause.Error()); err != nil {
		return fmt.Errorf("taskengine: fail_task: %w (original cause: %v)", err, cause)
	}
	return cause
}

func (e *Engine) release(ctx context.Context, slot limiter.Slot) {
	_ = e.limiter.Release(ctx, slot)
}

func (e *Engine) startSlotRenewal(ctx context.Context, slot limiter.Slot) func() {
	renewer, ok := e.limiter.(limiter.Renewer)
	if !ok || e.cfg.SlotRenewInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.SlotRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = renewer.Renew(ctx, slot)
			}
		}
	}()
	return func() { close(done) }
}

// classify maps a segment-pipeline failure onto the task error taxonomy.
// Input errors never reach here: Parse rejects them before any segment is
// dispatched.
func classify(err error) taskerr.Kind {
	if errors.Is(err, provider.ErrTimeout) || errors.Is(err, provider.ErrTruncated) {
		return taskerr.KindTransientProvider
	}
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		if pe.Class == provider.ErrorClassTransient {
			return taskerr.KindTransientProvider
		}
		return taskerr.KindFatalProvider
	}
	return taskerr.KindInternal
}
