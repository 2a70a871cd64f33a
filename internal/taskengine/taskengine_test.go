package taskengine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
	"github.com/blueapplecc-ppp/tts-vocl/internal/segmentworker"
	"github.com/blueapplecc-ppp/tts-vocl/internal/store/memstore"
)

// scriptedSynth produces deterministic per-segment-index audio or a
// scripted failure, standing in for a real provider.Session.
type scriptedSynth struct {
	failIndex int
	failErr   error
}

func (s *scriptedSynth) Synthesize(ctx context.Context, seg dialogue.Segment, voices dialogue.VoiceMap) ([]byte, error) {
	if s.failIndex == seg.Index {
		return nil, s.failErr
	}
	return []byte{byte('A' + seg.Index)}, nil
}

func newEngine(t *testing.T, cfg Config, failIndex int, failErr error) (*Engine, *memstore.Blobs, *memstore.Audios, *monitor.MemoryMonitor, *limiter.LocalLimiter) {
	t.Helper()
	synth := &scriptedSynth{failIndex: failIndex, failErr: failErr}
	w := segmentworker.New(func() segmentworker.Synthesizer { return synth }, segmentworker.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, dialogue.VoiceMap{0: {Name: "ava"}, 1: {Name: "owen"}})

	mon := monitor.NewMemoryMonitor(time.Hour, time.Hour)
	blobs := memstore.NewBlobs()
	audios := memstore.NewAudios()
	lim := limiter.NewLocalLimiter(1)

	return New(cfg, w, mon, blobs, audios, lim), blobs, audios, mon, lim
}

func voiceMap() dialogue.VoiceMap {
	return dialogue.VoiceMap{0: {Name: "ava"}, 1: {Name: "owen"}}
}

func dialogueText(turns int) string {
	var b strings.Builder
	for i := 0; i < turns; i++ {
		b.WriteString("0: hello there\n")
	}
	return b.String()
}

func TestEngine_SerialStrategyWhenSegmentCountIsOne(t *testing.T) {
	e, _, _, mon, lim := newEngine(t, DefaultConfig(), -1, nil)
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	// Long text but a single turn -> single segment -> SERIAL regardless
	// of the long-text threshold.
	longText := "0: " + strings.Repeat("word ", 1000)
	err := e.Execute(ctx, Input{TextID: "t1", Text: longText, Voices: voiceMap(), Slot: slot})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, _ := mon.GetTask(ctx, "t1")
	if task.Strategy != monitor.StrategySerial {
		t.Fatalf("expected SERIAL strategy, got %v", task.Strategy)
	}
}

func TestEngine_ParallelAtThresholdInclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LongTextThreshold = 20
	cfg.MaxPerSegment = 1
	e, _, _, mon, lim := newEngine(t, cfg, -1, nil)
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	// Two turns with max_per_segment=1 give two segments, so the single-
	// segment SERIAL rule does not mask the threshold check.
	text := "0: " + strings.Repeat("x", 7) + "\n0: " + strings.Repeat("x", 6) // exactly 20 chars total
	if len(text) != 20 {
		t.Fatalf("test setup: expected 20 char text, got %d", len(text))
	}

	err := e.Execute(ctx, Input{TextID: "t1", Text: text, Voices: voiceMap(), Slot: slot})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, _ := mon.GetTask(ctx, "t1")
	if task.Strategy != monitor.StrategyParallel {
		t.Fatalf("expected PARALLEL at exactly the threshold, got %v", task.Strategy)
	}
}

func TestEngine_SerialSuccessConcatenatesInOrderAndCompletes(t *testing.T) {
	// Short text (SERIAL) split into one segment per turn, so the serial
	// path has three segment outputs to concatenate.
	cfg := DefaultConfig()
	cfg.MaxPerSegment = 1
	e, blobs, audios, mon, lim := newEngine(t, cfg, -1, nil)
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	text := "0: one\n1: two\n0: three\n"
	if err := e.Execute(ctx, Input{TextID: "t1", Text: text, Voices: voiceMap(), Slot: slot}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, _ := mon.GetTask(ctx, "t1")
	if task.Status != monitor.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v", task.Status)
	}
	if blobs.Count() != 1 {
		t.Fatalf("expected exactly one blob-put, got %d", blobs.Count())
	}
	if audios.Count() != 1 {
		t.Fatalf("expected exactly one audio row insert, got %d", audios.Count())
	}

	stored, ok := blobs.Get(task.AudioKey)
	if !ok {
		t.Fatalf("expected blob stored under %q", task.AudioKey)
	}
	if task.Strategy != monitor.StrategySerial {
		t.Fatalf("expected SERIAL strategy, got %v", task.Strategy)
	}
	if string(stored) != "ABC" {
		t.Fatalf("expected in-order serial concatenation %q, got %q", "ABC", stored)
	}
}

func TestEngine_ParallelPreservesIndexOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LongTextThreshold = 1
	cfg.MaxPerSegment = 1
	cfg.MaxConcurrentSegments = 10
	e, blobs, _, mon, lim := newEngine(t, cfg, -1, nil)
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	// 4 turns, max_per_segment=1 -> 4 segments, one batch (< 10).
	text := dialogueText(4)
	if err := e.Execute(ctx, Input{TextID: "t1", Text: text, Voices: voiceMap(), Slot: slot}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, _ := mon.GetTask(ctx, "t1")
	stored, _ := blobs.Get(task.AudioKey)
	if string(stored) != "ABCD" {
		t.Fatalf("expected in-order concatenation 'ABCD', got %q", stored)
	}
}

func TestEngine_ParallelBatchFailureCancelsPeersAndUploadsNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LongTextThreshold = 1
	cfg.MaxPerSegment = 1
	cfg.MaxConcurrentSegments = 10
	e, blobs, audios, mon, lim := newEngine(t, cfg, 2, &provider.ProviderError{Code: "AUTH_FAILED", Class: provider.ErrorClassFatal})
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	text := dialogueText(5)
	err := e.Execute(ctx, Input{TextID: "t1", Text: text, Voices: voiceMap(), Slot: slot})
	if err == nil {
		t.Fatal("expected an error from the failing batch")
	}

	task, _ := mon.GetTask(ctx, "t1")
	if task.Status != monitor.StatusFailed {
		t.Fatalf("expected FAILED, got %v", task.Status)
	}
	if blobs.Count() != 0 {
		t.Fatalf("expected zero blob-puts on failure, got %d", blobs.Count())
	}
	if audios.Count() != 0 {
		t.Fatalf("expected zero audio row inserts on failure, got %d", audios.Count())
	}
}

func TestEngine_ReleasesLimiterSlotOnFailure(t *testing.T) {
	e, _, _, mon, lim := newEngine(t, DefaultConfig(), 0, provider.ErrTruncated)
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	_ = e.Execute(ctx, Input{TextID: "t1", Text: "0: hi\n", Voices: voiceMap(), Slot: slot})

	if _, err := lim.Acquire(ctx, "t2", 100*time.Millisecond); err != nil {
		t.Fatalf("expected slot to be released after failure, got %v", err)
	}
}

func TestEngine_FailureKindMatchesFatalProviderError(t *testing.T) {
	e, _, _, mon, lim := newEngine(t, DefaultConfig(), 0, &provider.ProviderError{Code: "QUOTA", Class: provider.ErrorClassFatal})
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	_ = e.Execute(ctx, Input{TextID: "t1", Text: "0: hi\n", Voices: voiceMap(), Slot: slot})

	task, _ := mon.GetTask(ctx, "t1")
	if task.ErrorKind != "FatalProviderError" {
		t.Fatalf("expected FatalProviderError kind, got %v", task.ErrorKind)
	}
}

func TestEngine_EmptyInputFailsFast(t *testing.T) {
	e, _, _, mon, lim := newEngine(t, DefaultConfig(), -1, nil)
	ctx := context.Background()

	slot, _ := lim.Acquire(ctx, "t1", time.Second)
	mon.StartTask(ctx, "t1", "hash1")

	err := e.Execute(ctx, Input{TextID: "t1", Text: "   \n\n", Voices: voiceMap(), Slot: slot})
	if !errors.Is(err, dialogue.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}

	task, _ := mon.GetTask(ctx, "t1")
	if task.ErrorKind != "InputError" {
		t.Fatalf("expected InputError kind, got %v", task.ErrorKind)
	}
}
