package models

import (
	"encoding/json"
	"fmt"
)

// Event names a frame on the socket channel.
type Event string

const (
	// Client -> Server
	EventUserMessage Event = "user_message"

	// Server -> Client
	EventResponseStart Event = "ai_response_start"
	EventResponseToken Event = "ai_response_token"
	EventResponseEnd   Event = "ai_response_end"
	EventResponseError Event = "ai_response_error"
)

// Envelope wraps every socket frame with the name of the event it carries.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UserMessage is emitted by the client to request a reply.
type UserMessage struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ResponseStart opens the stream of a reply.
type ResponseStart struct {
	MessageID int64 `json:"messageId"`
}

// ResponseToken carries one token of a reply.
type ResponseToken struct {
	MessageID int64  `json:"messageId"`
	Token     string `json:"token"`
	Index     int    `json:"index"`
}

// ResponseEnd closes the stream of a reply successfully.
type ResponseEnd struct {
	MessageID int64 `json:"messageId"`
}

// ResponseError closes the stream of a reply with a failure reason.
type ResponseError struct {
	MessageID int64  `json:"messageId"`
	Error     string `json:"error"`
}

// NewEnvelope creates an envelope with the given event and payload.
func NewEnvelope(event Event, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{
		Event: event,
		Data:  raw,
	}, nil
}

// ParseEnvelope parses a socket frame into an envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope has no event")
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Event, err)
	}
	return nil
}

// FrameType is the discriminator of a server-sent event frame.
type FrameType string

const (
	FrameToken FrameType = "token"
	FrameDone  FrameType = "done"
	FrameError FrameType = "error"
)

// DoneMessage is the fixed message carried by the done frame.
const DoneMessage = "Stream completed"

// Frame is the JSON body of a server-sent event. Content and Index are set on token frames, Message on
// done frames and Error on error frames.
type Frame struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content,omitempty"`
	Index   *int      `json:"index,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// TokenFrame builds the frame for the token at the given index.
func TokenFrame(content string, index int) Frame {
	return Frame{Type: FrameToken, Content: content, Index: &index}
}
