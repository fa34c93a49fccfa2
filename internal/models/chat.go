package models

import (
	"time"
)

// ChatMessage represents an individual entry in a client-side conversation. User messages are complete at
// creation, while assistant messages start empty with Streaming set and grow as tokens arrive, until a
// terminal event clears the flag.
type ChatMessage struct {
	ID        int64
	Sender    Sender
	Text      string
	Streaming bool
	CreatedAt time.Time
}

// Sender identifies the participant that authored a message.
type Sender string

// ConnectionState represents the lifecycle of a single transport session as seen by the client.
type ConnectionState string

const (
	// SenderUser marks a message typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant marks a message produced by the streaming reply.
	SenderAssistant Sender = "assistant"

	// StateDisconnected is the initial state, and the state after the transport reports a close.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting is entered on connect or reconnect, until the transport reports open or failure.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means the transport is open and, for persistent channels, sends are permitted.
	StateConnected ConnectionState = "connected"
	// StateError means the transport reported a failure. A manual reconnect is permitted from here.
	StateError ConnectionState = "error"
)

// ErrorText is the user-visible text that replaces an assistant message when its stream fails.
const ErrorText = "抱歉，发生了错误，请重试。"

// StreamToken is one atomic unit of a reply in transit. SequenceIndex starts at 0 and is strictly
// increasing for a given MessageID.
type StreamToken struct {
	MessageID     int64
	Content       string
	SequenceIndex int
}
