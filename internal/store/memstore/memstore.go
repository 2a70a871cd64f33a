// Package memstore provides in-memory implementations of the store
// contracts, reserved strictly for tests and local/dev wiring — never the
// production collaborator.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/blueapplecc-ppp/tts-vocl/internal/store"
)

// Blobs is an in-memory BlobStore.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewBlobs constructs an empty in-memory blob store.
func NewBlobs() *Blobs {
	return &Blobs{objects: make(map[string][]byte)}
}

// Put implements store.BlobStore.
func (b *Blobs) Put(ctx context.Context, key string, data []byte, contentType string, publicRead bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.objects[key] = cp
	return "mem://" + key, nil
}

// Get returns the bytes stored under key, for test assertions.
func (b *Blobs) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[key]
	return v, ok
}

// Count returns the number of distinct keys stored, for test assertions
// that a completed task uploaded exactly once and a failed task not at
// all. Repeated Puts to the same key count once.
func (b *Blobs) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Texts is an in-memory TextRepository.
type Texts struct {
	mu   sync.Mutex
	rows map[string]store.TextRow
}

// NewTexts constructs an empty in-memory text repository.
func NewTexts() *Texts {
	return &Texts{rows: make(map[string]store.TextRow)}
}

// Insert implements store.TextRepository.
func (t *Texts) Insert(ctx context.Context, row store.TextRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[row.TextID] = row
	return nil
}

// Get implements store.TextRepository.
func (t *Texts) Get(ctx context.Context, textID string) (store.TextRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[textID]
	if !ok {
		return store.TextRow{}, fmt.Errorf("memstore: text %s not found", textID)
	}
	return row, nil
}

// Audios is an in-memory AudioRepository enforcing at most one live audio
// per text, matching the (text_id, is_deleted) UNIQUE constraint on the
// real table.
type Audios struct {
	mu   sync.Mutex
	rows []store.AudioRow
}

// NewAudios constructs an empty in-memory audio repository.
func NewAudios() *Audios {
	return &Audios{}
}

// Insert implements store.AudioRepository, retiring any prior live row for
// the same text before inserting the new one.
func (a *Audios) Insert(ctx context.Context, row store.AudioRow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !row.IsDeleted {
		for i := range a.rows {
			if a.rows[i].TextID == row.TextID && !a.rows[i].IsDeleted {
				a.rows[i].IsDeleted = true
			}
		}
	}
	a.rows = append(a.rows, row)
	return nil
}

// LatestLiveVersion implements store.AudioRepository.
func (a *Audios) LatestLiveVersion(ctx context.Context, textID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	best := 0
	for _, r := range a.rows {
		if r.TextID == textID && !r.IsDeleted && r.VersionNum > best {
			best = r.VersionNum
		}
	}
	return best, nil
}

// GetLive implements store.AudioRepository.
func (a *Audios) GetLive(ctx context.Context, textID string) (store.AudioRow, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.rows {
		if r.TextID == textID && !r.IsDeleted {
			return r, true, nil
		}
	}
	return store.AudioRow{}, false, nil
}

// Count returns the number of audio rows ever inserted, for test
// assertions that a completed task wrote exactly one row.
func (a *Audios) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}
