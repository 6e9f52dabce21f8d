package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// Delimiter terminates every frame on the wire.
const Delimiter = '\n'

// Encode serialises msg and appends Delimiter.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, &EncodeError{Type: msg.Type, Err: ErrMissingType}
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode terminates the value with '\n', which is our delimiter.
	if err := enc.Encode(msg); err != nil {
		return nil, &EncodeError{Type: msg.Type, Err: err}
	}
	return buf.Bytes(), nil
}

// Decode parses one frame with the delimiter already stripped. Surrounding
// whitespace (including a trailing '\r') is ignored.
func Decode(b []byte) (Message, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Message{}, &DecodeError{Err: ErrEmpty}
	}
	if !utf8.Valid(b) {
		return Message{}, &DecodeError{Preview: preview(b), Err: ErrInvalidUTF8}
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Message{}, &DecodeError{Preview: preview(b), Err: err}
	}
	if dec.More() {
		return Message{}, &DecodeError{Preview: preview(b), Err: errTrailingData}
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return Message{}, &MalformedMessageError{Reason: "not a JSON object"}
	}
	t, ok := obj["type"].(string)
	if !ok || t == "" {
		return Message{}, &MalformedMessageError{Reason: "type", Err: ErrMissingType}
	}

	msg := Message{Type: Type(t), Payload: map[string]any{}}
	switch p := obj["payload"].(type) {
	case nil:
	case map[string]any:
		msg.Payload = p
	default:
		return Message{}, &MalformedMessageError{Reason: "payload is not an object"}
	}
	return msg, nil
}

var errTrailingData = errors.New("trailing data after JSON value")
