package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/blueapplecc-ppp/tts-vocl/internal/taskerr"
)

func newTestRedisMonitor(t *testing.T) (*RedisMonitor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMonitor(client, "test", time.Hour, time.Hour), mr
}

func TestRedisMonitor_StartTaskThenAlreadyRunning(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	ctx := context.Background()

	res, err := m.StartTask(ctx, "t1", "hash1")
	if err != nil || res.Outcome != StartStarted {
		t.Fatalf("expected STARTED, got %+v err=%v", res, err)
	}

	res2, err := m.StartTask(ctx, "t1", "hash1")
	if err != nil || res2.Outcome != StartAlreadyRunning {
		t.Fatalf("expected ALREADY_RUNNING, got %+v err=%v", res2, err)
	}
}

func TestRedisMonitor_DuplicateContentWhileNonTerminal(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}

	res, err := m.StartTask(ctx, "t2", "hash1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != StartDuplicateContent || res.ExistingTextID != "t1" {
		t.Fatalf("expected DUPLICATE_CONTENT(t1), got %+v", res)
	}
}

func TestRedisMonitor_CompleteTaskIsIdempotent(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteTask(ctx, "t1", "audio/a.mp3", "a.mp3"); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteTask(ctx, "t1", "audio/b.mp3", "b.mp3"); err != nil {
		t.Fatal(err)
	}

	task, err := m.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.AudioKey != "audio/a.mp3" {
		t.Fatalf("expected first CompleteTask to win, got audio_key=%q", task.AudioKey)
	}
}

func TestRedisMonitor_FailTaskTaxonomy(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}
	if err := m.FailTask(ctx, "t1", taskerr.KindFatalProvider, "quota exceeded"); err != nil {
		t.Fatal(err)
	}

	task, err := m.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusFailed || task.ErrorKind != taskerr.KindFatalProvider {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestRedisMonitor_GetTaskNotFound(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	if _, err := m.GetTask(context.Background(), "ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisMonitor_SubscribePublish(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}

	ch, unsubscribe, err := m.Subscribe(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := m.CompleteTask(ctx, "t1", "audio/a.mp3", "a.mp3"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Type != EventCompleted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestRedisMonitor_ListProcessing(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	ctx := context.Background()

	m.StartTask(ctx, "running", "h1")
	m.StartTask(ctx, "done", "h2")
	m.CompleteTask(ctx, "done", "k", "f.mp3")

	tasks, err := m.ListProcessing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].TextID != "running" {
		t.Fatalf("expected only 'running' task, got %+v", tasks)
	}
}

func TestRedisMonitor_TerminalTaskEvictedAfterRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m := NewRedisMonitor(client, "test", time.Hour, time.Minute)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteTask(ctx, "t1", "audio/a.mp3", "a.mp3"); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := m.GetTask(ctx, "t1"); err != ErrNotFound {
		t.Fatalf("expected evicted task to be gone, got %v", err)
	}

	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 0 {
		t.Fatalf("expected evicted task out of stats, got %+v", stats)
	}

	// The walk above should have pruned the stale index entry too.
	n, err := client.ZCard(ctx, "test:tasks:index").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected index pruned of evicted task, got %d entries", n)
	}
}

func TestRedisMonitor_GetStats(t *testing.T) {
	m, _ := newTestRedisMonitor(t)
	ctx := context.Background()

	m.StartTask(ctx, "ok", "h1")
	m.CompleteTask(ctx, "ok", "k", "f.mp3")
	m.StartTask(ctx, "bad", "h2")
	m.FailTask(ctx, "bad", taskerr.KindInternal, "x")

	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
