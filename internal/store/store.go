// Package store declares the external collaborators this subsystem
// depends on: object storage and relational persistence. Only the
// interfaces and the object-key derivation rules live here. Production
// wiring supplies real implementations; internal/store/memstore supplies
// fakes for tests and local development.
package store

import (
	"context"
	"fmt"
	"time"
)

// BlobStore is the outbound object-storage collaborator.
type BlobStore interface {
	// Put uploads bytes under key and returns the object's public or
	// signed URL, depending on publicRead.
	Put(ctx context.Context, key string, data []byte, contentType string, publicRead bool) (url string, err error)
}

// TextRow mirrors the texts table row shape.
type TextRow struct {
	TextID    string
	UserID    string
	Filename  string
	Title     string
	Content   string
	CharCount int
	ObjectKey string
	CreatedAt time.Time
	UpdatedAt time.Time
	IsDeleted bool
}

// TextRepository is the outbound persistence collaborator for texts.
type TextRepository interface {
	Insert(ctx context.Context, row TextRow) error
	Get(ctx context.Context, textID string) (TextRow, error)
}

// AudioRow mirrors the audios table row shape. The pair
// (TextID, IsDeleted=false) is unique: at most one live audio per text.
type AudioRow struct {
	AudioID    string
	TextID     string
	UserID     string
	Filename   string
	ObjectKey  string
	Duration   time.Duration
	Size       int64
	VersionNum int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	IsDeleted  bool
}

// AudioRepository is the outbound persistence collaborator for audios.
type AudioRepository interface {
	Insert(ctx context.Context, row AudioRow) error
	// LatestLiveVersion returns the version_num of the current live (not
	// deleted) audio row for textID, or 0 if none exists.
	LatestLiveVersion(ctx context.Context, textID string) (int, error)
	GetLive(ctx context.Context, textID string) (AudioRow, bool, error)
}

// maxVersion bounds NN in the v{NN} suffix: two digits, zero-padded.
const maxVersion = 99

// NextVersion derives the version number for a new audio object on textID,
// reading the current live version and incrementing it.
func NextVersion(ctx context.Context, audios AudioRepository, textID string) (int, error) {
	current, err := audios.LatestLiveVersion(ctx, textID)
	if err != nil {
		return 0, fmt.Errorf("store: read latest version: %w", err)
	}
	next := current + 1
	if next > maxVersion {
		next = maxVersion
	}
	return next, nil
}

// AudioObjectKey derives the object key for an audio artifact:
// audio/{yyyy}/{mm}/{base_name}_{char_bucket}_v{NN}.mp3.
func AudioObjectKey(at time.Time, baseName, charBucket string, version int) string {
	return fmt.Sprintf("audio/%04d/%02d/%s_%s_v%02d.mp3", at.Year(), at.Month(), baseName, charBucket, version)
}

// TextObjectKey derives the object key for a text artifact under the
// equivalent text/... shape.
func TextObjectKey(at time.Time, baseName, charBucket string, version int) string {
	return fmt.Sprintf("text/%04d/%02d/%s_%s_v%02d.txt", at.Year(), at.Month(), baseName, charBucket, version)
}

// CharBucket maps a character count to the coarse bucket name used in
// object keys, so that similarly-sized texts land in the same prefix
// grouping for downstream listing/lifecycle tooling.
func CharBucket(charCount int) string {
	switch {
	case charCount < 500:
		return "xs"
	case charCount < 2000:
		return "sm"
	case charCount < 8000:
		return "md"
	default:
		return "lg"
	}
}
