package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/taskerr"
)

// MemoryMonitor is the in-process Monitor implementation: a single mutex
// guards all state, and events fan out over buffered Go channels. It is
// used when no shared store is reachable at startup, and in tests.
type MemoryMonitor struct {
	mu                sync.Mutex
	tasks             map[string]*Task
	contentIndex      map[string]contentEntry
	subscribers       map[string][]chan Event
	terminalRetention time.Duration
	idempotencyTTL    time.Duration
	now               func() time.Time
}

type contentEntry struct {
	textID    string
	expiresAt time.Time
}

// NewMemoryMonitor constructs an empty MemoryMonitor. Zero durations fall
// back to the defaults (24h idempotency, 1h terminal retention).
func NewMemoryMonitor(idempotencyTTL, terminalRetention time.Duration) *MemoryMonitor {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	if terminalRetention <= 0 {
		terminalRetention = DefaultTerminalRetention
	}
	return &MemoryMonitor{
		tasks:             make(map[string]*Task),
		contentIndex:      make(map[string]contentEntry),
		subscribers:       make(map[string][]chan Event),
		idempotencyTTL:    idempotencyTTL,
		terminalRetention: terminalRetention,
		now:               time.Now,
	}
}

// StartTask implements Monitor.
func (m *MemoryMonitor) StartTask(ctx context.Context, textID, contentHash string) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictExpiredContentLocked(now)

	if existing, ok := m.tasks[textID]; ok && existing.Status == StatusProcessing {
		return StartResult{Outcome: StartAlreadyRunning}, nil
	}

	if entry, ok := m.contentIndex[contentHash]; ok && entry.textID != textID {
		if other, ok := m.tasks[entry.textID]; ok && !other.Status.IsTerminal() {
			return StartResult{Outcome: StartDuplicateContent, ExistingTextID: entry.textID}, nil
		}
	}

	m.tasks[textID] = &Task{
		TextID:      textID,
		ContentHash: contentHash,
		Status:      StatusProcessing,
		StartTime:   now,
	}
	m.contentIndex[contentHash] = contentEntry{textID: textID, expiresAt: now.Add(m.idempotencyTTL)}

	return StartResult{Outcome: StartStarted}, nil
}

// SetStrategy implements Monitor.
func (m *MemoryMonitor) SetStrategy(ctx context.Context, textID string, strategy Strategy, segmentCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[textID]
	if !ok {
		return nil
	}
	task.Strategy = strategy
	task.SegmentCount = segmentCount
	return nil
}

// UpdateProgress implements Monitor.
func (m *MemoryMonitor) UpdateProgress(ctx context.Context, textID string, segmentsCompleted int) error {
	m.mu.Lock()
	task, ok := m.tasks[textID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	task.SegmentsCompleted = segmentsCompleted
	cp := *task
	m.mu.Unlock()

	return m.Publish(ctx, textID, Event{
		Type:     EventProgress,
		Status:   cp.Status,
		Progress: &Progress{SegmentsCompleted: segmentsCompleted, SegmentCount: cp.SegmentCount},
	})
}

// CompleteTask implements Monitor.
func (m *MemoryMonitor) CompleteTask(ctx context.Context, textID, audioKey, filename string) error {
	m.mu.Lock()
	task, changed := m.transitionLocked(textID, func(t *Task) {
		t.Status = StatusCompleted
		t.AudioKey = audioKey
		t.AudioFilename = filename
		t.SegmentsCompleted = t.SegmentCount
	})
	m.mu.Unlock()

	if task == nil {
		return nil
	}
	if changed {
		m.publishTransition(ctx, textID, *task, EventCompleted, audioKey, "")
	}
	return nil
}

// FailTask implements Monitor.
func (m *MemoryMonitor) FailTask(ctx context.Context, textID string, kind taskerr.Kind, message string) error {
	m.mu.Lock()
	task, changed := m.transitionLocked(textID, func(t *Task) {
		t.Status = StatusFailed
		t.ErrorKind = kind
		t.ErrorMessage = message
	})
	m.mu.Unlock()

	if task == nil {
		return nil
	}
	if changed {
		m.publishTransition(ctx, textID, *task, EventFailed, "", message)
	}
	return nil
}

// TimeoutTask implements Monitor.
func (m *MemoryMonitor) TimeoutTask(ctx context.Context, textID string) error {
	m.mu.Lock()
	task, changed := m.transitionLocked(textID, func(t *Task) {
		t.Status = StatusTimeout
	})
	m.mu.Unlock()

	if task == nil {
		return nil
	}
	if changed {
		m.publishTransition(ctx, textID, *task, EventTimeout, "", "")
	}
	return nil
}

// transitionLocked applies mutate to textID's task if it is not already
// terminal, setting EndTime on the resulting terminal state. It must be
// called with m.mu held. Returns the post-transition task (or the
// already-terminal task, unmodified) and whether a transition actually
// occurred.
func (m *MemoryMonitor) transitionLocked(textID string, mutate func(*Task)) (*Task, bool) {
	task, ok := m.tasks[textID]
	if !ok {
		return nil, false
	}
	if task.Status.IsTerminal() {
		cp := *task
		return &cp, false
	}
	mutate(task)
	task.EndTime = m.now()
	cp := *task
	return &cp, true
}

// publishTransition publishes a terminal event outside the mutex; the
// state is already committed by the time this runs, so subscribers that
// re-read after the event observe the transitioned state.
func (m *MemoryMonitor) publishTransition(ctx context.Context, textID string, task Task, eventType EventType, audioURL, errMsg string) {
	_ = m.Publish(ctx, textID, Event{
		Type:      eventType,
		Status:    task.Status,
		AudioURL:  audioURL,
		Error:     errMsg,
		Timestamp: task.EndTime,
	})
}

// GetTask implements Monitor.
func (m *MemoryMonitor) GetTask(ctx context.Context, textID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[textID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *task, nil
}

// GetStats implements Monitor.
func (m *MemoryMonitor) GetStats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	var durations []time.Duration

	for _, t := range m.tasks {
		switch t.Status {
		case StatusProcessing:
			stats.Active++
		case StatusQueued:
			stats.Queued++
		case StatusCompleted:
			stats.Completed++
			durations = append(durations, t.EndTime.Sub(t.StartTime))
		case StatusFailed:
			stats.Failed++
		case StatusTimeout:
			stats.Timeout++
		}
	}

	total := stats.Completed + stats.Failed + stats.Timeout
	if total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(total)
	}
	stats.P50Duration = percentile(durations, 0.50)
	stats.P95Duration = percentile(durations, 0.95)

	return stats, nil
}

func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Subscribe implements Monitor.
func (m *MemoryMonitor) Subscribe(ctx context.Context, textID string) (<-chan Event, func(), error) {
	m.mu.Lock()
	ch := make(chan Event, 16)
	m.subscribers[textID] = append(m.subscribers[textID], ch)
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[textID]
		for i, c := range subs {
			if c == ch {
				m.subscribers[textID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}

	return ch, unsubscribe, nil
}

// Publish implements Monitor. Delivery is best-effort and non-blocking: a
// subscriber whose buffer is full misses the event (at-least-once from the
// Monitor's perspective, not guaranteed-delivered to every subscriber) and
// must fall back to GetTask.
func (m *MemoryMonitor) Publish(ctx context.Context, textID string, event Event) error {
	m.mu.Lock()
	subs := append([]chan Event(nil), m.subscribers[textID]...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// ListProcessing implements Monitor.
func (m *MemoryMonitor) ListProcessing(ctx context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Task
	for _, t := range m.tasks {
		if t.Status == StatusProcessing {
			out = append(out, *t)
		}
	}
	return out, nil
}

// evictExpiredContentLocked drops content-hash index entries past their
// idempotency TTL and terminal tasks past their retention window, keeping
// the hot map bounded. Must be called with m.mu held.
func (m *MemoryMonitor) evictExpiredContentLocked(now time.Time) {
	for hash, entry := range m.contentIndex {
		if now.After(entry.expiresAt) {
			delete(m.contentIndex, hash)
		}
	}
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && now.Sub(t.EndTime) > m.terminalRetention {
			delete(m.tasks, id)
		}
	}
}
