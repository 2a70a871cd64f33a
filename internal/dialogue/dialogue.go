// Package dialogue splits a raw dialogue-style text submission into an
// ordered sequence of speaker turns and packs those turns into bounded
// segments for synthesis.
package dialogue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput is returned when zero turns were parsed from the text.
	ErrEmptyInput = errors.New("dialogue: no turns parsed from input")
	// ErrInvalidSpeaker is returned when a line names a speaker with no
	// voice mapping.
	ErrInvalidSpeaker = errors.New("dialogue: speaker has no voice mapping")
)

// Turn is one (speaker, utterance) pair. Order is significant.
type Turn struct {
	SpeakerID int
	Utterance string
}

// VoiceProfile describes how a speaker id should be rendered by the
// provider: which voice to select and in what locale.
type VoiceProfile struct {
	Name   string
	Locale string
}

// VoiceMap is the closed set of speaker ids this submission recognizes,
// each mapped to a provider voice profile. A speaker line naming an id not
// present in the map fails parsing with ErrInvalidSpeaker.
type VoiceMap map[int]VoiceProfile

// Segment is a contiguous, ordered sub-sequence of turns processed by one
// Provider Session. Index is the segment's zero-based position within the
// task.
type Segment struct {
	Index int
	Turns []Turn
}

// Speakers returns the distinct speaker ids present in the segment, in
// first-seen order.
func (s Segment) Speakers() []int {
	seen := make(map[int]struct{}, len(s.Turns))
	out := make([]int, 0, len(s.Turns))
	for _, t := range s.Turns {
		if _, ok := seen[t.SpeakerID]; ok {
			continue
		}
		seen[t.SpeakerID] = struct{}{}
		out = append(out, t.SpeakerID)
	}
	return out
}

// Parse tokenizes text into an ordered sequence of turns. Lines of the
// form "speaker:utterance" start a new turn; any other non-blank line is
// attached as a continuation of the previous turn's utterance. A speaker
// line naming an id with no entry in voices fails with ErrInvalidSpeaker
// rather than being absorbed as continuation text.
func Parse(text string, voices VoiceMap) ([]Turn, error) {
	var turns []Turn

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		speakerID, utterance, ok := splitSpeakerLine(trimmed)
		switch {
		case ok:
			if _, known := voices[speakerID]; !known {
				return nil, fmt.Errorf("%w: speaker %d", ErrInvalidSpeaker, speakerID)
			}
			turns = append(turns, Turn{SpeakerID: speakerID, Utterance: utterance})
		case len(turns) > 0:
			last := &turns[len(turns)-1]
			last.Utterance = strings.TrimSpace(last.Utterance + " " + trimmed)
		default:
			// A continuation line with no prior turn and no recognizable
			// speaker prefix is silently dropped; it carries no speaker
			// attribution to attach to.
		}
	}

	if len(turns) == 0 {
		return nil, ErrEmptyInput
	}

	return turns, nil
}

// splitSpeakerLine recognizes a numeric "speaker:utterance" prefix. It
// returns ok=false for lines with no numeric speaker prefix, so prose with
// stray colons falls through to continuation handling in Parse; whether
// the id actually has a voice mapping is the caller's check.
func splitSpeakerLine(line string) (speakerID int, utterance string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return 0, "", false
	}

	id, err := parseSpeakerID(strings.TrimSpace(line[:idx]))
	if err != nil {
		return 0, "", false
	}

	return id, strings.TrimSpace(line[idx+1:]), true
}

func parseSpeakerID(s string) (int, error) {
	id := 0
	if s == "" {
		return 0, fmt.Errorf("empty speaker id")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-numeric speaker id %q", s)
		}
		id = id*10 + int(r-'0')
	}
	return id, nil
}

// Segments packs consecutive turns greedily up to maxPerSegment turns per
// segment. A turn is never split across segments.
func Segments(turns []Turn, maxPerSegment int) []Segment {
	if maxPerSegment <= 0 {
		maxPerSegment = 10
	}

	segments := make([]Segment, 0, (len(turns)+maxPerSegment-1)/maxPerSegment)
	for start := 0; start < len(turns); start += maxPerSegment {
		end := start + maxPerSegment
		if end > len(turns) {
			end = len(turns)
		}
		segments = append(segments, Segment{
			Index: len(segments),
			Turns: append([]Turn(nil), turns[start:end]...),
		})
	}
	return segments
}
