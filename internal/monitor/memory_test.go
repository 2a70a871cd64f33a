package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/taskerr"
)

func TestMemoryMonitor_StartTaskThenAlreadyRunning(t *testing.T) {
	m := NewMemoryMonitor(time.Hour, time.Hour)
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

func TestMemoryMonitor_DuplicateContentWhileNonTerminal(t *testing.T) {
	m := NewMemoryMonitor(time.Hour, time.Hour)
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

func TestMemoryMonitor_DuplicateContentAllowedAfterTerminal(t *testing.T) {
	m := NewMemoryMonitor(time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteTask(ctx, "t1", "key", "file.mp3"); err != nil {
		t.Fatal(err)
	}

	res, err := m.StartTask(ctx, "t2", "hash1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != StartStarted {
		t.Fatalf("expected STARTED once t1 is terminal, got %+v", res)
	}
}

func TestMemoryMonitor_TerminalTransitionsAreIdempotent(t *testing.T) {
	m := NewMemoryMonitor(time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}
	if err := m.FailTask(ctx, "t1", taskerr.KindStorage, "boom"); err != nil {
		t.Fatal(err)
	}
	first, _ := m.GetTask(ctx, "t1")

	if err := m.FailTask(ctx, "t1", taskerr.KindInternal, "different message"); err != nil {
		t.Fatal(err)
	}
	second, _ := m.GetTask(ctx, "t1")

	if second.ErrorMessage != first.ErrorMessage || second.ErrorKind != first.ErrorKind {
		t.Fatalf("expected second FailTask to be a no-op: first=%+v second=%+v", first, second)
	}
	if second.Status != StatusFailed {
		t.Fatalf("expected status to remain FAILED, got %v", second.Status)
	}
}

func TestMemoryMonitor_CompleteTaskUnknownTextIDIsNoop(t *testing.T) {
	m := NewMemoryMonitor(time.Hour, time.Hour)
	if err := m.CompleteTask(context.Background(), "ghost", "key", "f.mp3"); err != nil {
		t.Fatalf("expected nil error for unknown task, got %v", err)
	}
}

func TestMemoryMonitor_SubscribeReceivesPublishedEvent(t *testing.T) {
	m := NewMemoryMonitor(time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := m.StartTask(ctx, "t1", "hash1"); err != nil {
		t.Fatal(err)
	}

	ch, unsubscribe, err := m.Subscribe(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := m.CompleteTask(ctx, "t1", "audio/key.mp3", "out.mp3"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Type != EventCompleted || ev.Status != StatusCompleted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryMonitor_GetStats(t *testing.T) {
	m := NewMemoryMonitor(time.Hour, time.Hour)
	ctx := context.Background()

	m.StartTask(ctx, "ok", "h1")
	m.CompleteTask(ctx, "ok", "k", "f.mp3")

	m.StartTask(ctx, "bad", "h2")
	m.FailTask(ctx, "bad", taskerr.KindInternal, "x")

	m.StartTask(ctx, "running", "h3")

	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Failed != 1 || stats.Active != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %v", stats.SuccessRate)
	}
}
