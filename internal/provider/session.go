// Package provider drives one streaming synthesis session for one
// dialogue segment over a bidirectional frame transport.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider/frame"
)

// Config holds the session-level timeouts and codec parameters.
type Config struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	TotalTimeout   time.Duration
	Codec          string // default "mp3"
	SampleRateHz   int    // default 24000
}

// DefaultConfig returns the default session timeouts and codec.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    30 * time.Second,
		TotalTimeout:   120 * time.Second,
		Codec:          "mp3",
		SampleRateHz:   24000,
	}
}

// sessionStartPayload is the JSON body of the SessionStart control frame.
type sessionStartPayload struct {
	SessionID    string                        `json:"session_id"`
	Voices       map[int]dialogue.VoiceProfile `json:"voices"`
	Codec        string                        `json:"codec"`
	SampleRateHz int                           `json:"sample_rate_hz"`
}

// turnTextPayload is the JSON body of a TurnText data frame.
type turnTextPayload struct {
	SpeakerID int    `json:"speaker_id"`
	Utterance string `json:"utterance"`
	IsLast    bool   `json:"is_last"`
}

// statusPayload is the JSON body of a Status frame.
type statusPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	statusCodeFinal = "FINAL"
	statusCodeError = "ERROR"
)

// Session drives one segment's synthesis over a freshly dialed Transport.
// Each attempt of a Segment Worker creates a fresh Session; a Session is
// never reused across retries.
type Session struct {
	dial       Dialer
	cfg        Config
	classifier ErrorClassifier
}

// New constructs a Session. classifier may be nil to use
// DefaultErrorClassifier.
func New(dial Dialer, cfg Config, classifier ErrorClassifier) *Session {
	if classifier == nil {
		classifier = NewDefaultErrorClassifier()
	}
	return &Session{dial: dial, cfg: cfg, classifier: classifier}
}

// Synthesize runs the full connect/start/send/receive/terminate protocol
// for one segment and returns the concatenated audio bytes for that
// segment, in turn order. Every speaker in seg must have an entry in
// voices; the dialogue parser guarantees that for segments it produced.
func (s *Session) Synthesize(ctx context.Context, seg dialogue.Segment, voices dialogue.VoiceMap) ([]byte, error) {
	totalCtx, cancelTotal := context.WithTimeout(ctx, s.cfg.TotalTimeout)
	defer cancelTotal()

	transport, err := s.connect(totalCtx)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	sessionVoices := make(map[int]dialogue.VoiceProfile, len(seg.Speakers()))
	for _, id := range seg.Speakers() {
		sessionVoices[id] = voices[id]
	}

	if err := s.sendSessionStart(totalCtx, transport, sessionVoices); err != nil {
		return nil, err
	}

	for i, turn := range seg.Turns {
		isLast := i == len(seg.Turns)-1
		if err := s.sendTurnText(totalCtx, transport, turn, isLast); err != nil {
			return nil, err
		}
	}

	return s.receiveAudio(totalCtx, transport)
}

func (s *Session) connect(ctx context.Context) (Transport, error) {
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	t, err := s.dial(connectCtx, s.cfg.ConnectTimeout)
	if err != nil {
		if connectCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("provider: connect: %w", err)
	}
	return t, nil
}

func (s *Session) sendSessionStart(ctx context.Context, t Transport, voices map[int]dialogue.VoiceProfile) error {
	payload := sessionStartPayload{
		SessionID:    uuid.NewString(),
		Voices:       voices,
		Codec:        s.cfg.Codec,
		SampleRateHz: s.cfg.SampleRateHz,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provider: marshal SessionStart: %w", err)
	}

	f := frame.Frame{
		Header: frame.Header{
			Type:          frame.TypeSessionStart,
			Serialization: frame.SerializationJSON,
		},
		Payload: data,
	}
	return s.write(ctx, t, f)
}

func (s *Session) sendTurnText(ctx context.Context, t Transport, turn dialogue.Turn, isLast bool) error {
	payload := turnTextPayload{
		SpeakerID: turn.SpeakerID,
		Utterance: turn.Utterance,
		IsLast:    isLast,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provider: marshal TurnText: %w", err)
	}

	f := frame.Frame{
		Header: frame.Header{
			Type:          frame.TypeTurnText,
			Serialization: frame.SerializationJSON,
		},
		Payload: data,
	}
	return s.write(ctx, t, f)
}

func (s *Session) write(ctx context.Context, t Transport, f frame.Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
	defer cancel()

	if err := t.WriteFrame(writeCtx, f); err != nil {
		if writeCtx.Err() != nil {
			return ErrTimeout
		}
		return fmt.Errorf("provider: write %s: %w", f.Header.Type, err)
	}
	return nil
}

// receiveAudio reads frames until a terminal Status frame, collecting
// AudioChunk payloads into an ordered buffer as they arrive.
func (s *Session) receiveAudio(ctx context.Context, t Transport) ([]byte, error) {
	var audio []byte

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
		f, err := t.ReadFrame(readCtx)
		idleExpired := readCtx.Err() != nil
		cancel()

		if err != nil {
			if idleExpired || ctx.Err() != nil {
				return nil, ErrTimeout
			}
			return nil, ErrTruncated
		}

		switch f.Header.Type {
		case frame.TypeAudioChunk:
			audio = append(audio, f.Payload...)
		case frame.TypeStatus:
			var status statusPayload
			if err := json.Unmarshal(f.Payload, &status); err != nil {
				return nil, fmt.Errorf("provider: unmarshal Status: %w", err)
			}
			switch status.Code {
			case statusCodeFinal:
				return audio, nil
			case statusCodeError:
				return nil, &ProviderError{
					Code:    status.Code,
					Message: status.Message,
					Class:   s.classifier.Classify(status.Code),
				}
			default:
				return nil, &ProviderError{
					Code:    status.Code,
					Message: status.Message,
					Class:   s.classifier.Classify(status.Code),
				}
			}
		}
	}
}
