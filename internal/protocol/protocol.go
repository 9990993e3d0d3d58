// Package protocol defines the JSON control messages exchanged on the speech
// and recognizer channels.
//
// Inbound speech messages may carry a "tts_" prefix and recognizer results an
// "asr_" prefix on the wire; [Decode] strips both so callers only ever see the
// bare [Kind]. Outbound messages are always encoded with bare names.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by [Decode] for text frames that cannot be
// interpreted as a control message.
var ErrMalformed = errors.New("protocol: malformed message")

// Kind is the discriminator of a control message.
type Kind string

// Speech channel, server to client.
const (
	KindReady    Kind = "ready"
	KindChunk    Kind = "chunk"
	KindEnd      Kind = "end"
	KindError    Kind = "error"
	KindFallback Kind = "fallback"
)

// Recognizer channel, client to server.
const (
	KindStart Kind = "start"
	KindStop  Kind = "stop"
	KindText  Kind = "text"
	KindPing  Kind = "ping"
)

// Recognizer channel, server to client.
const (
	KindHandshake Kind = "handshake"
	KindPartial   Kind = "partial"
	KindFinal     Kind = "final"
	KindStopped   Kind = "stopped"
)

// Message is one control message. Only the fields relevant to Type are set.
type Message struct {
	Type Kind `json:"type"`

	// MIME is the container/codec of the audio that follows a ready message.
	MIME string `json:"mime,omitempty"`

	// Data holds inline audio for chunk messages. It is base64 on the wire.
	Data []byte `json:"data,omitempty"`

	// Message is the human readable reason of error and fallback messages.
	Message string `json:"message,omitempty"`

	// Text is the utterance of fallback, text, partial and final messages.
	Text string `json:"text,omitempty"`

	SampleRate int    `json:"sampleRate,omitempty"`
	Language   string `json:"language,omitempty"`

	// Payload is the opaque body of a recognizer handshake.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Start builds the message that opens a recognition stream.
func Start(sampleRate int, language string) Message {
	return Message{Type: KindStart, SampleRate: sampleRate, Language: language}
}

// Text builds a typed user utterance.
func Text(text string) Message {
	return Message{Type: KindText, Text: text}
}

// Ping is the heartbeat message.
func Ping() Message { return Message{Type: KindPing} }

// Stop closes a recognition stream.
func Stop() Message { return Message{Type: KindStop} }

// wireMessage mirrors every field a server is known to send. Inline audio may
// arrive under any of the legacy keys.
type wireMessage struct {
	Type       string          `json:"type"`
	MIME       string          `json:"mime"`
	Data       *string         `json:"data"`
	Chunk      *string         `json:"chunk"`
	Audio      *string         `json:"audio"`
	Message    string          `json:"message"`
	Text       string          `json:"text"`
	SampleRate int             `json:"sampleRate"`
	Language   string          `json:"language"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode parses a text frame. An untyped object carrying base64 audio under
// data, chunk or audio is treated as a chunk message.
func Decode(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	inline := firstNonNil(w.Data, w.Chunk, w.Audio)
	kind := Kind(strings.TrimPrefix(strings.TrimPrefix(w.Type, "tts_"), "asr_"))
	if kind == "" {
		if inline == nil {
			return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
		}
		kind = KindChunk
	}

	msg := Message{
		Type:       kind,
		MIME:       w.MIME,
		Message:    w.Message,
		Text:       w.Text,
		SampleRate: w.SampleRate,
		Language:   w.Language,
		Payload:    w.Payload,
	}

	switch kind {
	case KindChunk:
		if inline == nil {
			return Message{}, fmt.Errorf("%w: chunk without data", ErrMalformed)
		}
		data, err := base64.StdEncoding.DecodeString(*inline)
		if err != nil {
			return Message{}, fmt.Errorf("%w: chunk data: %w", ErrMalformed, err)
		}
		msg.Data = data
	case KindReady, KindEnd, KindError, KindFallback,
		KindHandshake, KindPartial, KindFinal, KindStopped,
		KindStart, KindStop, KindText, KindPing:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}
	return msg, nil
}

// Encode serialises msg for the wire.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: encode: missing type")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.Type, err)
	}
	return b, nil
}

func firstNonNil(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
