// Package monitor is the authoritative task-state store: idempotency,
// status, timing, and error tracking, plus a pub/sub event channel. Two
// backends are provided — RedisMonitor (shared, cross-process) and
// MemoryMonitor (single-process) — selected at startup by a connectivity
// probe and never switched at runtime.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/taskerr"
)

// Status is a task's lifecycle state. Transitions are monotonic:
// QUEUED -> PROCESSING -> (COMPLETED | FAILED | TIMEOUT). There are no
// backward transitions.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
)

// IsTerminal reports whether s is one of the terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Strategy is the synthesis dispatch strategy chosen by the Task Engine.
type Strategy string

const (
	StrategySerial   Strategy = "SERIAL"
	StrategyParallel Strategy = "PARALLEL"
)

// Task is the durable record for one end-to-end synthesis job.
type Task struct {
	TextID            string
	ContentHash       string
	Status            Status
	StartTime         time.Time
	EndTime           time.Time
	AudioKey          string
	AudioFilename     string
	ErrorKind         taskerr.Kind
	ErrorMessage      string
	Strategy          Strategy
	SegmentCount      int
	SegmentsCompleted int
}

// StartOutcome is the result of StartTask's atomic check-and-set.
type StartOutcome string

const (
	// StartStarted means a new task was registered in PROCESSING.
	StartStarted StartOutcome = "STARTED"
	// StartAlreadyRunning means text_id itself already has a task in
	// PROCESSING.
	StartAlreadyRunning StartOutcome = "ALREADY_RUNNING"
	// StartDuplicateContent means a different text_id with the same
	// content_hash was started within the idempotency window and is still
	// non-terminal.
	StartDuplicateContent StartOutcome = "DUPLICATE_CONTENT"
)

// StartResult is StartTask's return value.
type StartResult struct {
	Outcome        StartOutcome
	ExistingTextID string // set when Outcome == StartDuplicateContent
}

// EventType enumerates the kinds of events published on a task's channel.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventTimeout   EventType = "timeout"
	EventKeepalive EventType = "keepalive"
)

// Event is one message on a task's event channel, the shape pushed to
// subscription clients.
type Event struct {
	Type      EventType
	Status    Status
	Progress  *Progress
	AudioURL  string
	Error     string
	Timestamp time.Time
}

// Progress reports segment completion progress for a running task.
type Progress struct {
	SegmentsCompleted int
	SegmentCount      int
}

// Stats summarizes fleet-wide task outcomes.
type Stats struct {
	Active      int
	Queued      int
	Completed   int
	Failed      int
	Timeout     int
	SuccessRate float64
	P50Duration time.Duration
	P95Duration time.Duration
}

// ErrNotFound is returned by GetTask for an unknown text_id.
var ErrNotFound = errors.New("monitor: task not found")

// Monitor is the authoritative task-state contract. Implementations MUST
// commit a state change to their backing store before publishing the
// corresponding event: a subscriber that reacts to an event by calling
// GetTask must observe at least the transitioned state.
type Monitor interface {
	// StartTask atomically registers text_id as PROCESSING, or reports why
	// it could not.
	StartTask(ctx context.Context, textID, contentHash string) (StartResult, error)
	// SetStrategy records the chosen dispatch strategy and segment count
	// once the Task Engine has parsed and segmented the text. Must be
	// called before any Segment Worker dispatch begins.
	SetStrategy(ctx context.Context, textID string, strategy Strategy, segmentCount int) error
	// UpdateProgress records how many segments have completed so far and
	// publishes a progress event.
	UpdateProgress(ctx context.Context, textID string, segmentsCompleted int) error
	// CompleteTask is an idempotent terminal transition to COMPLETED.
	CompleteTask(ctx context.Context, textID, audioKey, filename string) error
	// FailTask is an idempotent terminal transition to FAILED.
	FailTask(ctx context.Context, textID string, kind taskerr.Kind, message string) error
	// TimeoutTask is an idempotent terminal transition to TIMEOUT.
	TimeoutTask(ctx context.Context, textID string) error
	// GetTask returns the current record for text_id, or ErrNotFound.
	GetTask(ctx context.Context, textID string) (Task, error)
	// GetStats summarizes outcomes across all known tasks.
	GetStats(ctx context.Context) (Stats, error)
	// Subscribe returns a channel of events for text_id and an unsubscribe
	// func. The channel is closed when unsubscribe is called.
	Subscribe(ctx context.Context, textID string) (<-chan Event, func(), error)
	// Publish broadcasts event to text_id's subscribers. At-least-once
	// delivery: a slow subscriber may miss events and must fall back to
	// GetTask for current state.
	Publish(ctx context.Context, textID string, event Event) error
	// ListProcessing returns the task records currently in PROCESSING, for
	// use by the Timeout Sweeper.
	ListProcessing(ctx context.Context) ([]Task, error)
}

// DefaultTerminalRetention is how long a terminal task is kept in an
// implementation's hot path/cache before eviction.
const DefaultTerminalRetention = time.Hour
