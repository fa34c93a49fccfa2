// Package client folds the events of either streaming transport into a single, growing view of the
// conversation, and drives the transports from the client side.
package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
)

// Mode selects how the reducer gates submissions.
type Mode int

const (
	// ModeRequest is a one-shot request transport (SSE): every submit opens its own stream, so it is
	// allowed regardless of the connection state, and the assistant placeholder is created on submit.
	ModeRequest Mode = iota
	// ModeChannel is a persistent bidirectional transport: submits require a connected channel, and the
	// assistant message is created when the server announces the stream.
	ModeChannel
)

// Errors returned by the reducer.
var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrBusy              = errors.New("a reply is still in progress")
	ErrNotConnected      = errors.New("not connected")
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrUnknownMessage    = errors.New("unknown message")
	ErrStreamClosed      = errors.New("stream already closed")
	ErrOutOfOrder        = errors.New("token out of order")
)

// Reducer is the client-side state of one transport session: the ordered message list and the
// connection state.
//
// Tokens are applied strictly in sequence order. A token that arrives ahead of the next expected index is
// held back and applied once the gap is filled, so the text never depends on arrival order. Tokens whose
// index was already applied, and tokens for a message whose stream is closed, are rejected.
//
// Replies are addressed by their stream id: the placeholder id in ModeRequest, the server's message id in
// ModeChannel. Every ChatMessage still gets an id of its own from the reducer, so ids in Messages stay
// unique even when a server id coincides with a local one.
//
// Reducer is safe for concurrent use; transports call it from their read loops while the caller submits.
type Reducer struct {
	mu sync.Mutex

	mode     Mode
	state    models.ConnectionState
	messages []*models.ChatMessage
	streams  map[int64]*stream
	loading  bool
	lastErr  string
	greeting string

	ids *services.IDAllocator
	now func() time.Time

	onMessage func(models.ChatMessage)
	onState   func(models.ConnectionState)
}

type stream struct {
	msg     *models.ChatMessage
	next    int
	pending map[int]string
	closed  bool
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithClock sets the clock used for timestamps and message ids.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) {
		r.now = now
	}
}

// WithGreeting seeds the conversation with a completed assistant message.
func WithGreeting(text string) Option {
	return func(r *Reducer) {
		r.greeting = text
	}
}

// WithMessageObserver registers fn to receive a copy of every message after it changes.
func WithMessageObserver(fn func(models.ChatMessage)) Option {
	return func(r *Reducer) {
		r.onMessage = fn
	}
}

// WithStateObserver registers fn to receive every connection state change.
func WithStateObserver(fn func(models.ConnectionState)) Option {
	return func(r *Reducer) {
		r.onState = fn
	}
}

// NewReducer creates a disconnected reducer for the given mode.
func NewReducer(mode Mode, opts ...Option) *Reducer {
	r := &Reducer{
		mode:    mode,
		state:   models.StateDisconnected,
		streams: map[int64]*stream{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.greeting != "" {
		r.messages = append(r.messages, &models.ChatMessage{
			ID:        1,
			Sender:    models.SenderAssistant,
			Text:      r.greeting,
			CreatedAt: r.now(),
		})
	}
	r.ids = services.NewIDAllocator(r.now)
	return r
}

// State returns the current connection state.
func (r *Reducer) State() models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a submitted message is still waiting for its reply to finish.
func (r *Reducer) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// LastError returns the reason of the most recent stream or transport failure.
func (r *Reducer) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Messages returns a snapshot of the conversation in creation order.
func (r *Reducer) Messages() []models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := make([]models.ChatMessage, len(r.messages))
	for i, m := range r.messages {
		msgs[i] = *m
	}
	return msgs
}

// Message returns a snapshot of the assistant message replying on stream id.
func (r *Reducer) Message(id int64) (models.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if !ok {
		return models.ChatMessage{}, false
	}
	return *s.msg, true
}

// Connect enters the connecting state.
func (r *Reducer) Connect() {
	r.transition(models.StateConnecting)
}

// Reconnect re-enters the connecting state. It is only permitted after an error or a disconnect.
func (r *Reducer) Reconnect() error {
	r.mu.Lock()
	if r.state != models.StateError && r.state != models.StateDisconnected {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: reconnect from %s", ErrInvalidTransition, state)
	}
	r.mu.Unlock()

	r.transition(models.StateConnecting)
	return nil
}

// Opened records that the transport is open.
func (r *Reducer) Opened() {
	r.transition(models.StateConnected)
}

// Closed records that the transport closed. Replies still streaming can no longer complete, so they are
// terminated with the error text.
func (r *Reducer) Closed() {
	r.mu.Lock()
	changed := r.abortStreamsLocked("connection closed")
	r.mu.Unlock()

	r.notify(changed...)
	r.transition(models.StateDisconnected)
}

// Failed records a transport failure. It never panics, whatever the state: the state becomes error and
// every reply still streaming is terminated with the error text.
func (r *Reducer) Failed(err error) {
	reason := "transport failed"
	if err != nil {
		reason = err.Error()
	}

	r.mu.Lock()
	changed := r.abortStreamsLocked(reason)
	r.lastErr = reason
	r.mu.Unlock()

	r.notify(changed...)
	r.transition(models.StateError)
}

// Submit appends a user message. In ModeRequest it also appends the streaming assistant placeholder and
// returns its id; in ModeChannel it returns 0 and the assistant message is created by Start.
func (r *Reducer) Submit(text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyMessage
	}

	r.mu.Lock()
	if r.loading {
		r.mu.Unlock()
		return 0, ErrBusy
	}
	if r.mode == ModeChannel && r.state != models.StateConnected {
		r.mu.Unlock()
		return 0, ErrNotConnected
	}

	user := &models.ChatMessage{
		ID:        r.ids.Next(),
		Sender:    models.SenderUser,
		Text:      text,
		CreatedAt: r.now(),
	}
	r.messages = append(r.messages, user)
	r.loading = true
	changed := []models.ChatMessage{*user}

	var placeholderID int64
	if r.mode == ModeRequest {
		placeholderID = r.ids.Next()
		changed = append(changed, *r.addAssistantLocked(placeholderID))
	}
	r.mu.Unlock()

	r.notify(changed...)
	return placeholderID, nil
}

// Start records the beginning of the reply id, creating its assistant message unless a placeholder
// already exists. The message gets a local id; id only addresses the stream.
func (r *Reducer) Start(id int64) error {
	r.mu.Lock()
	if s, ok := r.streams[id]; ok {
		defer r.mu.Unlock()
		if s.closed {
			return fmt.Errorf("%w: %d", ErrStreamClosed, id)
		}
		return nil
	}
	msg := r.addAssistantLocked(id)
	snapshot := *msg
	r.mu.Unlock()

	r.notify(snapshot)
	return nil
}

// Token appends a token to the text of its message, in sequence order.
func (r *Reducer) Token(tok models.StreamToken) error {
	r.mu.Lock()
	s, ok := r.streams[tok.MessageID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMessage, tok.MessageID)
	}
	if s.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStreamClosed, tok.MessageID)
	}
	if tok.SequenceIndex < s.next {
		r.mu.Unlock()
		return fmt.Errorf("%w: index %d already applied to %d", ErrOutOfOrder, tok.SequenceIndex, tok.MessageID)
	}
	if _, dup := s.pending[tok.SequenceIndex]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: index %d already pending for %d", ErrOutOfOrder, tok.SequenceIndex, tok.MessageID)
	}

	if tok.SequenceIndex > s.next {
		if s.pending == nil {
			s.pending = map[int]string{}
		}
		s.pending[tok.SequenceIndex] = tok.Content
		r.mu.Unlock()
		return nil
	}

	var sb strings.Builder
	sb.WriteString(s.msg.Text)
	sb.WriteString(tok.Content)
	s.next++
	for {
		content, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		sb.WriteString(content)
		s.next++
	}
	s.msg.Text = sb.String()
	snapshot := *s.msg
	r.mu.Unlock()

	r.notify(snapshot)
	return nil
}

// End marks the reply id as complete. Tokens still held back behind a gap are dropped.
func (r *Reducer) End(id int64) error {
	return r.terminate(id, func(msg *models.ChatMessage) {})
}

// Error marks the reply id as failed and replaces its text with the user-visible error text.
func (r *Reducer) Error(id int64, reason string) error {
	return r.terminate(id, func(msg *models.ChatMessage) {
		msg.Text = models.ErrorText
		r.lastErr = reason
	})
}

func (r *Reducer) terminate(id int64, apply func(*models.ChatMessage)) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	if s.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStreamClosed, id)
	}

	s.closed = true
	s.pending = nil
	s.msg.Streaming = false
	apply(s.msg)
	r.loading = r.openStreamsLocked() > 0
	snapshot := *s.msg
	r.mu.Unlock()

	r.notify(snapshot)
	return nil
}

func (r *Reducer) addAssistantLocked(streamID int64) *models.ChatMessage {
	id := streamID
	if r.mode == ModeChannel {
		id = r.ids.Next()
	}
	msg := &models.ChatMessage{
		ID:        id,
		Sender:    models.SenderAssistant,
		Streaming: true,
		CreatedAt: r.now(),
	}
	r.messages = append(r.messages, msg)
	r.streams[streamID] = &stream{msg: msg}
	return msg
}

func (r *Reducer) abortStreamsLocked(reason string) []models.ChatMessage {
	var changed []models.ChatMessage
	for _, s := range r.streams {
		if s.closed {
			continue
		}
		s.closed = true
		s.pending = nil
		s.msg.Streaming = false
		s.msg.Text = models.ErrorText
		changed = append(changed, *s.msg)
	}
	if len(changed) > 0 {
		r.lastErr = reason
	}
	r.loading = false
	return changed
}

func (r *Reducer) openStreamsLocked() int {
	n := 0
	for _, s := range r.streams {
		if !s.closed {
			n++
		}
	}
	return n
}

func (r *Reducer) transition(to models.ConnectionState) {
	r.mu.Lock()
	changed := r.state != to
	r.state = to
	r.mu.Unlock()

	if changed && r.onState != nil {
		r.onState(to)
	}
}

func (r *Reducer) notify(msgs ...models.ChatMessage) {
	if r.onMessage == nil {
		return
	}
	for _, m := range msgs {
		r.onMessage(m)
	}
}
