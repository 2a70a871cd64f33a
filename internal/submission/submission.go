// Package submission implements the inbound submission, retry, stream,
// and stats entry points: it composes the Global Limiter, Task Monitor,
// Task Engine, and Event Fan-out, performs the idempotency check, and
// translates taxonomy error kinds to response codes.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/eventfanout"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/observability/logging"
	"github.com/blueapplecc-ppp/tts-vocl/internal/store"
	"github.com/blueapplecc-ppp/tts-vocl/internal/taskengine"
	"github.com/blueapplecc-ppp/tts-vocl/internal/taskerr"
)

// Outcome is the inbound submission/retry result shape.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeAlreadyRunning   Outcome = "already_running"
	OutcomeDuplicateContent Outcome = "duplicate_content"
	// OutcomeNoOp is Retry's response when a live audio already exists for
	// text_id.
	OutcomeNoOp Outcome = "no_op"
	// OutcomeBusy reports that the Global Limiter had no free slot within
	// the acquire timeout; the entry point must report something rather
	// than block forever, and 503 matches the transient-failure mapping.
	OutcomeBusy     Outcome = "busy"
	OutcomeRejected Outcome = "rejected"
)

// Result is the submission/retry entry point's return value.
type Result struct {
	Outcome        Outcome
	ExistingTextID string // set when Outcome == OutcomeDuplicateContent
	StatusCode     int
	Err            error
}

// Metrics is the optional metrics hook the service reports submission
// outcomes through.
type Metrics interface {
	RecordSubmission(outcome string)
	RecordLimiterAcquire(ok bool)
	RecordStartOutcome(outcome string)
}

// EventLog is the optional durable terminal-event sink (internal/eventlog).
type EventLog interface {
	PublishTerminal(ctx context.Context, textID string, evt monitor.Event) error
}

// Service composes the Global Limiter, Task Monitor, and Task Engine
// behind the submission and retry entry points.
type Service struct {
	lim            limiter.Limiter
	mon            monitor.Monitor
	engine         *taskengine.Engine
	texts          store.TextRepository
	audios         store.AudioRepository
	voices         dialogue.VoiceMap
	fanout         *eventfanout.Fanout
	acquireTimeout time.Duration
	metrics        Metrics
	eventLog       EventLog
}

// Option configures a Service.
type Option func(*Service)

// WithAcquireTimeout overrides the default 5s Global Limiter acquire wait.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Service) { s.acquireTimeout = d }
}

// WithMetrics wires a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEventLog wires the durable terminal-event publisher.
func WithEventLog(l EventLog) Option {
	return func(s *Service) { s.eventLog = l }
}

// WithFanout overrides the Event Fan-out serving the Stream entry point,
// e.g. to tune its keepalive/idle settings or wire a subscription gauge.
func WithFanout(f *eventfanout.Fanout) Option {
	return func(s *Service) { s.fanout = f }
}

// New constructs a Service.
func New(lim limiter.Limiter, mon monitor.Monitor, engine *taskengine.Engine, texts store.TextRepository, audios store.AudioRepository, voices dialogue.VoiceMap, opts ...Option) *Service {
	s := &Service{
		lim:            lim,
		mon:            mon,
		engine:         engine,
		texts:          texts,
		audios:         audios,
		voices:         voices,
		acquireTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fanout == nil {
		s.fanout = eventfanout.New(mon)
	}
	return s
}

// ContentHash derives the deterministic idempotency hash over submitted
// text. It is exported so callers (and tests) can compute the hash a
// duplicate submission is expected to collide on without depending on
// submission internals.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Submit accepts a new text submission. It inserts the text's persistence
// row, acquires a Global Limiter slot, and performs the Task Monitor's
// atomic idempotency check; on STARTED it dispatches the Task Engine
// asynchronously and returns immediately with OutcomeAccepted.
func (s *Service) Submit(ctx context.Context, textID, userID, text string) Result {
	log := logging.WithTask(textID)

	if err := s.texts.Insert(ctx, store.TextRow{
		TextID:    textID,
		UserID:    userID,
		Content:   text,
		CharCount: len(text),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}); err != nil {
		return s.reject(taskerr.KindStorage, fmt.Errorf("submission: insert text row: %w", err))
	}

	log.Info().Int("charCount", len(text)).Msg("submission: text accepted for persistence")
	return s.start(ctx, textID, userID, text)
}

// Retry re-dispatches a task for an already-submitted text_id. It is a
// no-op if a live audio already exists, ALREADY_RUNNING if a task is in
// flight, otherwise it reads the stored text and starts a new task.
func (s *Service) Retry(ctx context.Context, textID string) Result {
	if _, found, err := s.audios.GetLive(ctx, textID); err != nil {
		return s.reject(taskerr.KindStorage, fmt.Errorf("submission: check live audio: %w", err))
	} else if found {
		if s.metrics != nil {
			s.metrics.RecordSubmission(string(OutcomeNoOp))
		}
		return Result{Outcome: OutcomeNoOp, StatusCode: 200}
	}

	if task, err := s.mon.GetTask(ctx, textID); err == nil && task.Status == monitor.StatusProcessing {
		if s.metrics != nil {
			s.metrics.RecordSubmission(string(OutcomeAlreadyRunning))
		}
		return Result{Outcome: OutcomeAlreadyRunning, StatusCode: 409}
	}

	row, err := s.texts.Get(ctx, textID)
	if err != nil {
		return s.reject(taskerr.KindStorage, fmt.Errorf("submission: read text row: %w", err))
	}

	return s.start(ctx, textID, row.UserID, row.Content)
}

func (s *Service) start(ctx context.Context, textID, userID, text string) Result {
	// Input errors are user-visible as 400 at this entry point, so they
	// must surface here rather than from the detached Task Engine.
	if _, err := dialogue.Parse(text, s.voices); err != nil {
		return s.reject(taskerr.KindInput, fmt.Errorf("submission: validate text: %w", err))
	}

	slot, err := s.lim.Acquire(ctx, textID, s.acquireTimeout)
	if s.metrics != nil {
		s.metrics.RecordLimiterAcquire(err == nil)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSubmission(string(OutcomeBusy))
		}
		return Result{Outcome: OutcomeBusy, StatusCode: 503, Err: err}
	}

	hash := ContentHash(text)
	started, err := s.mon.StartTask(ctx, textID, hash)
	if err != nil {
		_ = s.lim.Release(ctx, slot)
		return s.reject(taskerr.KindInternal, fmt.Errorf("submission: start_task: %w", err))
	}
	if s.metrics != nil {
		s.metrics.RecordStartOutcome(string(started.Outcome))
	}

	switch started.Outcome {
	case monitor.StartAlreadyRunning:
		_ = s.lim.Release(ctx, slot)
		if s.metrics != nil {
			s.metrics.RecordSubmission(string(OutcomeAlreadyRunning))
		}
		return Result{Outcome: OutcomeAlreadyRunning, StatusCode: 409}
	case monitor.StartDuplicateContent:
		_ = s.lim.Release(ctx, slot)
		if s.metrics != nil {
			s.metrics.RecordSubmission(string(OutcomeDuplicateContent))
		}
		return Result{Outcome: OutcomeDuplicateContent, ExistingTextID: started.ExistingTextID, StatusCode: 409}
	}

	if s.metrics != nil {
		s.metrics.RecordSubmission(string(OutcomeAccepted))
	}

	go s.runAsync(textID, userID, text, slot)

	return Result{Outcome: OutcomeAccepted, StatusCode: 202}
}

// runAsync drives the Task Engine in the background, detached from the
// request that accepted the submission: the task outlives the HTTP/RPC
// call.
func (s *Service) runAsync(textID, userID, text string, slot limiter.Slot) {
	ctx := context.Background()
	log := logging.WithTask(textID)

	err := s.engine.Execute(ctx, taskengine.Input{
		TextID: textID,
		UserID: userID,
		Text:   text,
		Voices: s.voices,
		Slot:   slot,
	})
	if err != nil {
		log.Warn().Err(err).Msg("submission: task execution ended with error")
	}

	if s.eventLog == nil {
		return
	}
	task, err := s.mon.GetTask(ctx, textID)
	if err != nil {
		return
	}
	evt := terminalEventFor(task)
	if evt == nil {
		return
	}
	_ = s.eventLog.PublishTerminal(ctx, textID, *evt)
}

func terminalEventFor(task monitor.Task) *monitor.Event {
	switch task.Status {
	case monitor.StatusCompleted:
		return &monitor.Event{Type: monitor.EventCompleted, Status: task.Status, AudioURL: task.AudioKey, Timestamp: task.EndTime}
	case monitor.StatusFailed:
		return &monitor.Event{Type: monitor.EventFailed, Status: task.Status, Error: task.ErrorMessage, Timestamp: task.EndTime}
	case monitor.StatusTimeout:
		return &monitor.Event{Type: monitor.EventTimeout, Status: task.Status, Timestamp: task.EndTime}
	default:
		return nil
	}
}

func (s *Service) reject(kind taskerr.Kind, err error) Result {
	return Result{Outcome: OutcomeRejected, StatusCode: kind.StatusCode(), Err: err}
}

// Stats exposes the Task Monitor's fleet-wide stats through the stats
// entry point.
func (s *Service) Stats(ctx context.Context) (monitor.Stats, error) {
	return s.mon.GetStats(ctx)
}

// Stream is the subscription entry point: a server-push event stream for
// textID, opening with the task's current status and closing on a
// terminal event, the fan-out's idle ceiling, or ctx cancel.
func (s *Service) Stream(ctx context.Context, textID string) (<-chan monitor.Event, error) {
	return s.fanout.Subscribe(ctx, textID)
}
