package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Payload is implemented by every typed payload.
type Payload interface {
	MessageType() Type
}

// Greeting is sent once by the dialing side right after connecting.
type Greeting struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ChatMessage carries one chat line for a channel.
type ChatMessage struct {
	SenderID     string `json:"sender_id"`
	ChannelID    string `json:"channel_id"`
	Content      string `json:"content"`
	TimestampISO string `json:"timestamp_iso"`
}

// LivestreamStart announces that StreamerID began hosting.
type LivestreamStart struct {
	StreamerID   string `json:"streamer_id"`
	StreamerName string `json:"streamer_name"`
}

// LivestreamEnd announces that StreamerID stopped hosting.
type LivestreamEnd struct {
	StreamerID string `json:"streamer_id"`
}

// VideoFrame carries one already-encoded frame, base64 in FrameData.
type VideoFrame struct {
	StreamerID string `json:"streamer_id"`
	FrameData  string `json:"frame_data"`
	FrameID    *int64 `json:"frame_id,omitempty"`
}

// Unknown holds a message whose type has no typed payload.
type Unknown struct {
	Type Type
	Raw  map[string]any
}

func (Greeting) MessageType() Type        { return TypeGreeting }
func (ChatMessage) MessageType() Type     { return TypeChatMessage }
func (LivestreamStart) MessageType() Type { return TypeLivestreamStart }
func (LivestreamEnd) MessageType() Type   { return TypeLivestreamEnd }
func (VideoFrame) MessageType() Type      { return TypeVideoFrame }
func (u Unknown) MessageType() Type       { return u.Type }

// NewVideoFrame base64-encodes frame. frameID may be nil.
func NewVideoFrame(streamerID string, frame []byte, frameID *int64) VideoFrame {
	return VideoFrame{
		StreamerID: streamerID,
		FrameData:  base64.StdEncoding.EncodeToString(frame),
		FrameID:    frameID,
	}
}

// Frame returns the decoded frame bytes.
func (v VideoFrame) Frame() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(v.FrameData)
	if err != nil {
		return nil, fmt.Errorf("protocol: video frame data: %w", err)
	}
	return b, nil
}

// Build turns a typed payload into a Message.
func Build(p Payload) (Message, error) {
	if u, ok := p.(Unknown); ok {
		return NewMessage(u.Type, u.Raw), nil
	}
	m, err := normalize(p)
	if err != nil {
		return Message{}, &EncodeError{Type: p.MessageType(), Err: err}
	}
	return Message{Type: p.MessageType(), Payload: m}, nil
}

// MustBuild is Build for payloads that are always representable.
func MustBuild(p Payload) Message {
	m, err := Build(p)
	if err != nil {
		panic(err)
	}
	return m
}

// Parse converts msg into its typed payload. Types without a typed payload
// yield Unknown. Fields with the wrong JSON type produce a
// MalformedMessageError; absent fields are left at their zero value.
func Parse(msg Message) (Payload, error) {
	var p Payload
	switch msg.Type {
	case TypeGreeting:
		p = &Greeting{}
	case TypeChatMessage:
		p = &ChatMessage{}
	case TypeLivestreamStart:
		p = &LivestreamStart{}
	case TypeLivestreamEnd:
		p = &LivestreamEnd{}
	case TypeVideoFrame:
		p = &VideoFrame{}
	default:
		return Unknown{Type: msg.Type, Raw: msg.Payload}, nil
	}

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, &MalformedMessageError{Reason: string(msg.Type) + " payload", Err: err}
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, &MalformedMessageError{Reason: string(msg.Type) + " payload", Err: err}
	}

	switch v := p.(type) {
	case *Greeting:
		return *v, nil
	case *ChatMessage:
		return *v, nil
	case *LivestreamStart:
		return *v, nil
	case *LivestreamEnd:
		return *v, nil
	case *VideoFrame:
		return *v, nil
	}
	return nil, &MalformedMessageError{Reason: "unreachable payload kind"}
}
