package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueapplecc-ppp/tts-vocl/internal/taskerr"
)

// startTaskScript performs the atomic check-and-set StartTask needs: it
// must see ALREADY_RUNNING/DUPLICATE_CONTENT and commit the new PROCESSING
// record in one round-trip so concurrent starts across processes cannot
// interleave.
// KEYS[1] = this task's hash key, KEYS[2] = the content-hash index key.
// ARGV[1]=text_id ARGV[2]=content_hash ARGV[3]=now_ms ARGV[4]=idempotency_ttl_seconds
// ARGV[5]=task key prefix (used to look up the other task's hash by id).
var startTaskScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status == "PROCESSING" then
	return {"ALREADY_RUNNING", ""}
end

local existingTextID = redis.call("GET", KEYS[2])
if existingTextID and existingTextID ~= ARGV[1] then
	local otherKey = ARGV[5] .. existingTextID
	local otherStatus = redis.call("HGET", otherKey, "status")
	if otherStatus and otherStatus ~= "COMPLETED" and otherStatus ~= "FAILED" and otherStatus ~= "TIMEOUT" then
		return {"DUPLICATE_CONTENT", existingTextID}
	end
end

redis.call("HSET", KEYS[1], "text_id", ARGV[1], "content_hash", ARGV[2], "status", "PROCESSING", "start_time", ARGV[3])
redis.call("SET", KEYS[2], ARGV[1], "EX", ARGV[4])
return {"STARTED", ""}
`)

// RedisMonitor is the shared-store Monitor implementation: a Redis hash per
// task, a content-hash index for idempotency, a sorted-set index for
// listing/stats, and Pub/Sub for the event channel.
type RedisMonitor struct {
	client            *redis.Client
	prefix            string
	idempotencyTTL    time.Duration
	terminalRetention time.Duration
	now               func() time.Time
}

// NewRedisMonitor constructs a RedisMonitor. Zero durations fall back to
// the defaults (24h idempotency, 1h terminal retention).
func NewRedisMonitor(client *redis.Client, keyPrefix string, idempotencyTTL, terminalRetention time.Duration) *RedisMonitor {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	if terminalRetention <= 0 {
		terminalRetention = DefaultTerminalRetention
	}
	return &RedisMonitor{
		client:            client,
		prefix:            keyPrefix,
		idempotencyTTL:    idempotencyTTL,
		terminalRetention: terminalRetention,
		now:               time.Now,
	}
}

// Probe performs the startup connectivity check that selects between the
// shared-store and in-memory backends.
func (m *RedisMonitor) Probe(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMonitor) taskKeyPrefix() string    { return m.prefix + ":task:" }
func (m *RedisMonitor) taskKey(id string) string { return m.taskKeyPrefix() + id }
func (m *RedisMonitor) contentKey(hash string) string {
	return m.prefix + ":content:" + hash
}
func (m *RedisMonitor) indexKey() string           { return m.prefix + ":tasks:index" }
func (m *RedisMonitor) eventsKey(id string) string { return m.prefix + ":events:" + id }

// StartTask implements Monitor.
func (m *RedisMonitor) StartTask(ctx context.Context, textID, contentHash string) (StartResult, error) {
	now := m.now()
	res, err := startTaskScript.Run(ctx, m.client,
		[]string{m.taskKey(textID), m.contentKey(contentHash)},
		textID, contentHash, now.UnixMilli(), int64(m.idempotencyTTL/time.Second), m.taskKeyPrefix(),
	).Slice()
	if err != nil {
		return StartResult{}, fmt.Errorf("monitor: start_task: %w", err)
	}

	outcome, _ := res[0].(string)
	existing, _ := res[1].(string)

	if outcome == string(StartStarted) {
		if err := m.client.ZAdd(ctx, m.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: textID}).Err(); err != nil {
			return StartResult{}, fmt.Errorf("monitor: index task: %w", err)
		}
	}

	return StartResult{Outcome: StartOutcome(outcome), ExistingTextID: existing}, nil
}

// transition applies a terminal HSET to textID's hash unless it's already
// terminal, returning the resulting task and whether it actually changed.
func (m *RedisMonitor) transition(ctx context.Context, textID string, fields map[string]any, status Status) (Task, bool, error) {
	key := m.taskKey(textID)

	current, err := m.loadHash(ctx, key)
	if err != nil {
		return Task{}, false, err
	}
	if current == nil {
		return Task{}, false, nil
	}
	if current.Status.IsTerminal() {
		return *current, false, nil
	}

	fields["status"] = string(status)
	fields["end_time"] = m.now().UnixMilli()

	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := m.client.HSet(ctx, key, args...).Err(); err != nil {
		return Task{}, false, fmt.Errorf("monitor: transition: %w", err)
	}
	// Terminal tasks fall out of the hot map once retention elapses; the
	// sorted-set index entry is pruned lazily when a walk finds the hash
	// gone.
	if err := m.client.Expire(ctx, key, m.terminalRetention).Err(); err != nil {
		return Task{}, false, fmt.Errorf("monitor: set terminal retention: %w", err)
	}

	updated, err := m.loadHash(ctx, key)
	if err != nil || updated == nil {
		return Task{}, false, fmt.Errorf("monitor: reload after transition: %w", err)
	}
	return *updated, true, nil
}

// CompleteTask implements Monitor.
func (m *RedisMonitor) CompleteTask(ctx context.Context, textID, audioKey, filename string) error {
	task, changed, err := m.transition(ctx, textID, map[string]any{
		"audio_key":      audioKey,
		"audio_filename": filename,
	}, StatusCompleted)
	if err != nil {
		return err
	}
	if changed {
		if err := m.client.HSet(ctx, m.taskKey(textID), "segments_completed", task.SegmentCount).Err(); err != nil {
			return fmt.Errorf("monitor: finalize segments_completed: %w", err)
		}
		return m.Publish(ctx, textID, Event{Type: EventCompleted, Status: StatusCompleted, AudioURL: audioKey, Timestamp: task.EndTime})
	}
	return nil
}

// FailTask implements Monitor.
func (m *RedisMonitor) FailTask(ctx context.Context, textID string, kind taskerr.Kind, message string) error {
	task, changed, err := m.transition(ctx, textID, map[string]any{
		"error_kind":    string(kind),
		"error_message": message,
	}, StatusFailed)
	if err != nil {
		return err
	}
	if changed {
		return m.Publish(ctx, textID, Event{Type: EventFailed, Status: StatusFailed, Error: message, Timestamp: task.EndTime})
	}
	return nil
}

// TimeoutTask implements Monitor.
func (m *RedisMonitor) TimeoutTask(ctx context.Context, textID string) error {
	task, changed, err := m.transition(ctx, textID, map[string]any{}, StatusTimeout)
	if err != nil {
		return err
	}
	if changed {
		return m.Publish(ctx, textID, Event{Type: EventTimeout, Status: StatusTimeout, Timestamp: task.EndTime})
	}
	return nil
}

// GetTask implements Monitor.
func (m *RedisMonitor) GetTask(ctx context.Context, textID string) (Task, error) {
	task, err := m.loadHash(ctx, m.taskKey(textID))
	if err != nil {
		return Task{}, err
	}
	if task == nil {
		return Task{}, ErrNotFound
	}
	return *task, nil
}

func (m *RedisMonitor) loadHash(ctx context.Context, key string) (*Task, error) {
	vals, err := m.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("monitor: hgetall: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	t := &Task{
		TextID:        vals["text_id"],
		ContentHash:   vals["content_hash"],
		Status:        Status(vals["status"]),
		AudioKey:      vals["audio_key"],
		AudioFilename: vals["audio_filename"],
		ErrorKind:     taskerr.Kind(vals["error_kind"]),
		ErrorMessage:  vals["error_message"],
		Strategy:      Strategy(vals["strategy"]),
	}
	if ms, err := strconv.ParseInt(vals["start_time"], 10, 64); err == nil {
		t.StartTime = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(vals["end_time"], 10, 64); err == nil {
		t.EndTime = time.UnixMilli(ms)
	}
	t.SegmentCount, _ = strconv.Atoi(vals["segment_count"])
	t.SegmentsCompleted, _ = strconv.Atoi(vals["segments_completed"])

	return t, nil
}

// SetStrategy implements Monitor.
func (m *RedisMonitor) SetStrategy(ctx context.Context, textID string, strategy Strategy, segmentCount int) error {
	if err := m.client.HSet(ctx, m.taskKey(textID), "strategy", string(strategy), "segment_count", segmentCount).Err(); err != nil {
		return fmt.Errorf("monitor: set strategy: %w", err)
	}
	return nil
}

// UpdateProgress implements Monitor.
func (m *RedisMonitor) UpdateProgress(ctx context.Context, textID string, segmentsCompleted int) error {
	if err := m.client.HSet(ctx, m.taskKey(textID), "segments_completed", segmentsCompleted).Err(); err != nil {
		return fmt.Errorf("monitor: update progress: %w", err)
	}
	task, err := m.loadHash(ctx, m.taskKey(textID))
	if err != nil || task == nil {
		return err
	}
	return m.Publish(ctx, textID, Event{
		Type:     EventProgress,
		Status:   task.Status,
		Progress: &Progress{SegmentsCompleted: segmentsCompleted, SegmentCount: task.SegmentCount},
	})
}

// GetStats implements Monitor, walking the sorted-set index with a
// pipelined HGETALL batch rather than a per-task round trip.
func (m *RedisMonitor) GetStats(ctx context.Context) (Stats, error) {
	ids, err := m.client.ZRange(ctx, m.indexKey(), 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("monitor: zrange index: %w", err)
	}

	pipe := m.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, m.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("monitor: pipeline hgetall: %w", err)
	}

	var stats Stats
	var durations []time.Duration
	var stale []string
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		switch Status(vals["status"]) {
		case StatusProcessing:
			stats.Active++
		case StatusQueued:
			stats.Queued++
		case StatusCompleted:
			stats.Completed++
			if d, ok := durationOf(vals); ok {
				durations = append(durations, d)
			}
		case StatusFailed:
			stats.Failed++
		case StatusTimeout:
			stats.Timeout++
		}
	}

	m.pruneIndex(ctx, stale)

	total := stats.Completed + stats.Failed + stats.Timeout
	if total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(total)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.P50Duration = percentile(durations, 0.50)
	stats.P95Duration = percentile(durations, 0.95)

	return stats, nil
}

// pruneIndex drops index entries whose task hash has expired out of
// retention. Best-effort: a failed prune just means the next walk retries.
func (m *RedisMonitor) pruneIndex(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_ = m.client.ZRem(ctx, m.indexKey(), members...).Err()
}

func durationOf(vals map[string]string) (time.Duration, bool) {
	start, err1 := strconv.ParseInt(vals["start_time"], 10, 64)
	end, err2 := strconv.ParseInt(vals["end_time"], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return time.UnixMilli(end).Sub(time.UnixMilli(start)), true
}

// ListProcessing implements Monitor, for the Timeout Sweeper.
func (m *RedisMonitor) ListProcessing(ctx context.Context) ([]Task, error) {
	ids, err := m.client.ZRange(ctx, m.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("monitor: zrange index: %w", err)
	}

	var out []Task
	var stale []string
	for _, id := range ids {
		task, err := m.loadHash(ctx, m.taskKey(id))
		if err != nil {
			return nil, err
		}
		if task == nil {
			stale = append(stale, id)
			continue
		}
		if task.Status == StatusProcessing {
			out = append(out, *task)
		}
	}
	m.pruneIndex(ctx, stale)
	return out, nil
}

// wireEvent is the JSON form of Event published over Redis Pub/Sub.
type wireEvent struct {
	Type     EventType `json:"type"`
	Status   Status    `json:"status"`
	AudioURL string    `json:"audio_url,omitempty"`
	Error    string    `json:"error,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	AtMillis int64     `json:"at_ms"`
}

// Publish implements Monitor via Redis Pub/Sub.
func (m *RedisMonitor) Publish(ctx context.Context, textID string, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	data, err := json.Marshal(wireEvent{
		Type: event.Type, Status: event.Status, AudioURL: event.AudioURL,
		Error: event.Error, Progress: event.Progress, AtMillis: event.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("monitor: marshal event: %w", err)
	}
	if err := m.client.Publish(ctx, m.eventsKey(textID), data).Err(); err != nil {
		return fmt.Errorf("monitor: publish: %w", err)
	}
	return nil
}

// Subscribe implements Monitor via Redis Pub/Sub.
func (m *RedisMonitor) Subscribe(ctx context.Context, textID string) (<-chan Event, func(), error) {
	sub := m.client.Subscribe(ctx, m.eventsKey(textID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("monitor: subscribe: %w", err)
	}

	out := make(chan Event, 16)
	done := make(chan struct{})

	go func() {
		defer close(out)
		raw := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var we wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
					continue
				}
				select {
				case out <- Event{
					Type: we.Type, Status: we.Status, AudioURL: we.AudioURL,
					Error: we.Error, Progress: we.Progress, Timestamp: time.UnixMilli(we.AtMillis),
				}:
				default:
				}
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		_ = sub.Close()
	}
	return out, unsubscribe, nil
}
