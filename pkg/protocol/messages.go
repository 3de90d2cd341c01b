package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudio        MessageType = "audio"
	TypeText         MessageType = "text"
	TypePing         MessageType = "ping"
	TypeClearHistory MessageType = "clear_history"

	TypeConnection        MessageType = "connection"
	TypeProcessing        MessageType = "processing"
	TypeResponse          MessageType = "response"
	TypeTextResponse      MessageType = "text_response"
	TypeStreamingResponse MessageType = "streaming_response"
	TypeError             MessageType = "error"
	TypePong              MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Outbound is a message the client sends to the backend.
type Outbound interface {
	OutboundType() MessageType
}

// Audio carries one finalized utterance. Data is raw container bytes; it is
// base64 encoded on the wire.
type Audio struct {
	Data []byte
}

// Text is a typed user message. VoiceMode asks the backend to synthesize audio.
type Text struct {
	Text      string
	VoiceMode bool
}

type Ping struct{}

type ClearHistory struct{}

func (Audio) OutboundType() MessageType        { return TypeAudio }
func (Text) OutboundType() MessageType         { return TypeText }
func (Ping) OutboundType() MessageType         { return TypePing }
func (ClearHistory) OutboundType() MessageType { return TypeClearHistory }

type audioWire struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type textWire struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	VoiceMode bool        `json:"voice_mode"`
}

// EncodeOutbound renders msg as a JSON frame.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case Audio:
		return sonic.Marshal(audioWire{Type: TypeAudio, Audio: base64.StdEncoding.EncodeToString(m.Data)})
	case Text:
		return sonic.Marshal(textWire{Type: TypeText, Text: m.Text, VoiceMode: m.VoiceMode})
	case Ping, ClearHistory:
		return sonic.Marshal(Envelope{Type: m.OutboundType()})
	case nil:
		return nil, errors.New("nil outbound message")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, msg.OutboundType())
	}
}
