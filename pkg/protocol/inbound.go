package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Inbound is a message received from the backend.
type Inbound interface {
	InboundType() MessageType
}

// Connection is sent once the backend has created the session.
type Connection struct {
	SessionID string `json:"session_id"`
}

// Processing acknowledges that a request reached the pipeline.
type Processing struct{}

// Response is one reply from the pipeline. Kind distinguishes the response,
// text_response and streaming_response variants, which are handled alike.
type Response struct {
	Kind          MessageType
	Transcription string
	ResponseText  string
	// Audio is the base64 payload as received; empty when the backend sent null.
	Audio string
	// Latency holds per-stage timings in milliseconds as reported by the backend.
	Latency map[string]float64
}

type Error struct {
	Message string `json:"message"`
}

type Pong struct{}

func (Connection) InboundType() MessageType { return TypeConnection }
func (Processing) InboundType() MessageType { return TypeProcessing }
func (r Response) InboundType() MessageType { return r.Kind }
func (Error) InboundType() MessageType      { return TypeError }
func (Pong) InboundType() MessageType       { return TypePong }

// HasAudio reports whether the response carried a non-empty audio payload.
func (r Response) HasAudio() bool {
	return strings.TrimSpace(r.Audio) != ""
}

// DecodeAudio returns the raw audio bytes of the response.
func (r Response) DecodeAudio() ([]byte, error) {
	if !r.HasAudio() {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Audio))
	if err != nil {
		return nil, fmt.Errorf("decode response audio: %w", err)
	}
	return data, nil
}

type responseWire struct {
	Type          MessageType `json:"type"`
	Transcription *string     `json:"transcription"`
	ResponseText  *string     `json:"response_text"`
	Audio         *string     `json:"audio"`
	Latency       any         `json:"latency"`
}

// ParseServerMessage decodes one inbound frame into its concrete type.
func ParseServerMessage(raw []byte) (Inbound, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnection:
		var msg Connection
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeProcessing:
		return Processing{}, nil
	case TypeResponse, TypeTextResponse, TypeStreamingResponse:
		var wire responseWire
		if err := sonic.Unmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return Response{
			Kind:          env.Type,
			Transcription: deref(wire.Transcription),
			ResponseText:  deref(wire.ResponseText),
			Audio:         deref(wire.Audio),
			Latency:       normalizeLatency(wire.Latency),
		}, nil
	case TypeError:
		var msg Error
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" {
			msg.Message = "server error"
		}
		return msg, nil
	case TypePong:
		return Pong{}, nil
	case "":
		return nil, errors.New("missing message type")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// normalizeLatency accepts either a single number (total) or an object of
// numeric stage timings. Non-numeric members are skipped.
func normalizeLatency(v any) map[string]float64 {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		return map[string]float64{"total": val}
	case map[string]any:
		out := make(map[string]float64, len(val))
		for k, raw := range val {
			if f, ok := raw.(float64); ok {
				out[k] = f
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}
