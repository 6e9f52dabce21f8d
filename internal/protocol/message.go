// Package protocol defines the peer wire format.
//
// Every message on the wire is one UTF-8 JSON object followed by a single
// line feed:
//
//	{"type":"chat_message","payload":{...}}\n
//
// The JSON encoder never emits a raw line feed (control characters inside
// strings are escaped), so the delimiter cannot appear inside a frame.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Type names a message kind. The set is open: unknown types still decode.
type Type string

// Message types carried by the core.
const (
	TypeGreeting        Type = "greeting"
	TypeChatMessage     Type = "chat_message"
	TypeLivestreamStart Type = "livestream_start"
	TypeLivestreamEnd   Type = "livestream_end"
	TypeVideoFrame      Type = "video_frame"
)

// Reserved types. Peers may send these; the core decodes them as ordinary
// messages and leaves interpretation to the dispatcher.
const (
	TypePeerListRequest  Type = "req_peers"
	TypePeerListResponse Type = "res_peers"
	TypeHistoryRequest   Type = "req_history"
	TypeHistoryChunk     Type = "res_history"
	TypeError            Type = "error"
	TypeAck              Type = "ack"
	TypeStatusUpdate     Type = "status"
)

// Known reports whether t has a typed payload in this package.
func (t Type) Known() bool {
	switch t {
	case TypeGreeting, TypeChatMessage, TypeLivestreamStart, TypeLivestreamEnd, TypeVideoFrame:
		return true
	}
	return false
}

// Message is the unit exchanged between peers.
type Message struct {
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload"`
}

// NewMessage returns a message with a non-nil payload. The payload is
// stored in the form Decode produces (json.Number, []any, map[string]any),
// so a message survives an Encode/Decode round trip unchanged. A payload
// that cannot be marshalled is kept as given and fails in Encode.
func NewMessage(t Type, payload map[string]any) Message {
	if payload == nil {
		return Message{Type: t, Payload: map[string]any{}}
	}
	if m, err := normalize(payload); err == nil {
		payload = m
	}
	return Message{Type: t, Payload: payload}
}

// normalize re-reads v through the JSON decoder used on the wire.
func normalize(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
