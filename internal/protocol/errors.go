package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned by Decode for an empty or whitespace-only chunk.
	ErrEmpty = errors.New("protocol: empty frame")

	// ErrInvalidUTF8 is returned by Decode when the chunk is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("protocol: frame is not valid UTF-8")

	// ErrMissingType means the decoded object has no usable "type" field.
	ErrMissingType = errors.New("protocol: missing message type")
)

// EncodeError reports a message whose payload cannot be serialised.
type EncodeError struct {
	Type Type
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("protocol: encode %q: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a chunk that is not valid serialised form.
type DecodeError struct {
	Preview []byte // at most previewLen bytes of the offending chunk
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %q: %v", e.Preview, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MalformedMessageError reports well-formed JSON that is not a message:
// not an object, missing or non-string "type", or a non-object "payload".
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: malformed message: %s: %v", e.Reason, e.Err)
	}
	return "protocol: malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

const previewLen = 100

func preview(b []byte) []byte {
	if len(b) > previewLen {
		b = b[:previewLen]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
