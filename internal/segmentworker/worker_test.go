package segmentworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
)

// fakeSynth is a scripted Synthesizer standing in for a real
// provider.Session; each call pops the next scripted result.
type fakeSynth struct {
	results []fakeResult
	calls   int
}

type fakeResult struct {
	audio []byte
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, seg dialogue.Segment, voices dialogue.VoiceMap) ([]byte, error) {
	r := f.results[f.calls]
	f.calls++
	return r.audio, r.err
}

func testSegment() dialogue.Segment {
	return dialogue.Segment{Index: 2, Turns: []dialogue.Turn{{SpeakerID: 0, Utterance: "hi"}}}
}

func noJitterWorker(results []fakeResult, policy Policy) (*Worker, *fakeSynth) {
	fs := &fakeSynth{results: results}
	w := New(func() Synthesizer { return fs }, policy, dialogue.VoiceMap{0: {Name: "ava"}})
	w.jitter = func(time.Duration) time.Duration { return 0 }
	return w, fs
}

func TestWorker_SucceedsFirstAttempt(t *testing.T) {
	w, fs := noJitterWorker([]fakeResult{{audio: []byte("ok")}}, Policy{MaxRetries: 3, BaseDelay: time.Millisecond})

	res := w.Run(context.Background(), testSegment())
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if string(res.Audio) != "ok" {
		t.Fatalf("unexpected audio: %q", res.Audio)
	}
	if res.Index != 2 {
		t.Fatalf("expected index 2, got %d", res.Index)
	}
	if fs.calls != 1 {
		t.Fatalf("expected 1 call, got %d", fs.calls)
	}
}

func TestWorker_RetriesTransientThenSucceeds(t *testing.T) {
	results := []fakeResult{
		{err: provider.ErrTimeout},
		{err: &provider.ProviderError{Code: "OVERLOADED", Class: provider.ErrorClassTransient}},
		{audio: []byte("finally")},
	}
	w, fs := noJitterWorker(results, Policy{MaxRetries: 3, BaseDelay: time.Millisecond})

	res := w.Run(context.Background(), testSegment())
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if string(res.Audio) != "finally" {
		t.Fatalf("unexpected audio: %q", res.Audio)
	}
	if fs.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", fs.calls)
	}
}

func TestWorker_ExhaustsRetriesPreservingIndex(t *testing.T) {
	results := []fakeResult{
		{err: provider.ErrTruncated},
		{err: provider.ErrTruncated},
		{err: provider.ErrTruncated},
		{err: provider.ErrTruncated},
	}
	w, fs := noJitterWorker(results, Policy{MaxRetries: 3, BaseDelay: time.Millisecond})

	res := w.Run(context.Background(), testSegment())
	if !errors.Is(res.Err, provider.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", res.Err)
	}
	if res.Index != 2 {
		t.Fatalf("expected index preserved as 2, got %d", res.Index)
	}
	if fs.calls != 4 {
		t.Fatalf("expected 4 calls (1 + 3 retries), got %d", fs.calls)
	}
}

func TestWorker_FatalErrorNeverRetries(t *testing.T) {
	results := []fakeResult{
		{err: &provider.ProviderError{Code: "AUTH_FAILED", Class: provider.ErrorClassFatal}},
		{audio: []byte("should not be reached")},
	}
	w, fs := noJitterWorker(results, Policy{MaxRetries: 3, BaseDelay: time.Millisecond})

	res := w.Run(context.Background(), testSegment())
	var pe *provider.ProviderError
	if !errors.As(res.Err, &pe) {
		t.Fatalf("expected *ProviderError, got %v", res.Err)
	}
	if fs.calls != 1 {
		t.Fatalf("expected 1 call (no retry on fatal error), got %d", fs.calls)
	}
}

func TestWorker_UnclassifiedErrorNeverRetries(t *testing.T) {
	errBoom := errors.New("unexpected session failure")
	results := []fakeResult{
		{err: errBoom},
		{audio: []byte("should not be reached")},
	}
	w, fs := noJitterWorker(results, Policy{MaxRetries: 3, BaseDelay: time.Millisecond})

	res := w.Run(context.Background(), testSegment())
	if !errors.Is(res.Err, errBoom) {
		t.Fatalf("expected the session error surfaced, got %v", res.Err)
	}
	if fs.calls != 1 {
		t.Fatalf("expected 1 call (no retry on an unclassified error), got %d", fs.calls)
	}
}

func TestWorker_ContextCancelDuringBackoffStopsRetrying(t *testing.T) {
	results := []fakeResult{
		{err: provider.ErrTimeout},
		{err: provider.ErrTimeout},
	}
	fs := &fakeSynth{results: results}
	w := New(func() Synthesizer { return fs }, Policy{MaxRetries: 3, BaseDelay: time.Hour}, dialogue.VoiceMap{0: {Name: "ava"}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := w.Run(ctx, testSegment())
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
	if fs.calls != 1 {
		t.Fatalf("expected exactly 1 call before cancellation during backoff, got %d", fs.calls)
	}
}
