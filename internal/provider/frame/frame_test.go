package frame

import "testing"

func TestEncodeDecode_RoundTrip(t *testing.T) {
	original := Frame{
		Header: Header{
			Type:          TypeTurnText,
			Flags:         0x01,
			Serialization: SerializationJSON,
			Compression:   CompressionNone,
		},
		Payload: []byte(`{"speaker_id":0,"utterance":"hi","is_last":true}`),
	}

	wire, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}

	if decoded.Header.Type != original.Header.Type {
		t.Fatalf("type mismatch: got %v want %v", decoded.Header.Type, original.Header.Type)
	}
	if decoded.Header.Serialization != original.Header.Serialization {
		t.Fatalf("serialization mismatch: got %v want %v", decoded.Header.Serialization, original.Header.Serialization)
	}
	if string(decoded.Payload) != string(original.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", decoded.Payload, original.Payload)
	}
}

func TestDecode_TooShort(t *testing.T) {
	if _, err := Decode([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected error for too-short message")
	}
}

func TestDecode_PayloadLengthOverrun(t *testing.T) {
	wire := []byte{0x10, 0x30, 0x10, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := Decode(wire); err == nil {
		t.Fatal("expected error for overrun payload length")
	}
}

func TestTypeString(t *testing.T) {
	if TypeAudioChunk.String() != "AudioChunk" {
		t.Fatalf("unexpected String(): %s", TypeAudioChunk.String())
	}
}
