package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/gorilla/websocket"
)

// SocketGreeting is the assistant greeting shown on a socket session.
const SocketGreeting = "你好！我是AI助手，通过WebSocket连接与你交流！"

// SocketTransport keeps one persistent channel to the server and folds its events into a reducer in
// ModeChannel. Replies are demultiplexed by message id, so several may stream at once.
type SocketTransport struct {
	url     string
	dialer  *websocket.Dialer
	reducer *Reducer
	now     func() time.Time

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	closing bool

	logger *slog.Logger
}

// NewSocketTransport creates a transport for the server at baseURL, e.g. "http://localhost:3000". The
// scheme is mapped to ws or wss and the channel path appended.
func NewSocketTransport(baseURL string, reducer *Reducer, logger *slog.Logger) (*SocketTransport, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/api/socketio"

	if logger == nil {
		logger = slog.Default()
	}
	return &SocketTransport{
		url: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		reducer: reducer,
		now:     time.Now,
		logger:  logger.With(slog.String("module", "socket-client")),
	}, nil
}

// Connect opens the channel. A failed handshake leaves the reducer in the error state.
func (t *SocketTransport) Connect(ctx context.Context) error {
	t.reducer.Connect()
	return t.dial(ctx)
}

// Reconnect drops the current channel, if any, and opens a new one. Like the reducer transition it backs,
// it is only permitted after an error or a disconnect.
func (t *SocketTransport) Reconnect(ctx context.Context) error {
	switch t.reducer.State() {
	case models.StateError, models.StateDisconnected:
	default:
		return fmt.Errorf("%w: reconnect from %s", ErrInvalidTransition, t.reducer.State())
	}

	t.shutdown()
	if err := t.reducer.Reconnect(); err != nil {
		return err
	}
	return t.dial(ctx)
}

func (t *SocketTransport) dial(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		err = fmt.Errorf("error connecting to %s: %w", t.url, err)
		t.reducer.Failed(err)
		return err
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.closing = false
	t.mu.Unlock()

	t.reducer.Opened()
	go t.readLoop(conn, done)
	return nil
}

// Send submits prompt to the reducer, which requires a connected channel, then emits it to the server.
func (t *SocketTransport) Send(prompt string) error {
	if _, err := t.reducer.Submit(prompt); err != nil {
		return err
	}

	env, err := models.NewEnvelope(models.EventUserMessage, models.UserMessage{
		Message:   prompt,
		Timestamp: t.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.reducer.Failed(err)
		return err
	}

	t.mu.Lock()
	conn := t.conn
	var werr error
	if conn == nil {
		werr = errors.New("no connection")
	} else {
		werr = conn.WriteJSON(env)
	}
	t.mu.Unlock()

	if werr != nil {
		werr = fmt.Errorf("error sending message: %w", werr)
		t.reducer.Failed(werr)
		return werr
	}
	return nil
}

// Close closes the channel and waits for the read loop to record the disconnect.
func (t *SocketTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *SocketTransport) shutdown() {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn = nil
	t.closing = true
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (t *SocketTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()

			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.reducer.Closed()
				return
			}
			t.logger.Warn("Socket read failed", slog.String("err", err.Error()))
			t.reducer.Failed(fmt.Errorf("error reading from socket: %w", err))
			return
		}

		if err := t.dispatch(data); err != nil {
			t.logger.Warn("Dropping event", slog.String("err", err.Error()))
		}
	}
}

func (t *SocketTransport) dispatch(data []byte) error {
	env, err := models.ParseEnvelope(data)
	if err != nil {
		return err
	}

	switch env.Event {
	case models.EventResponseStart:
		var p models.ResponseStart
		if err := env.Decode(&p); err != nil {
			return err
		}
		return t.reducer.Start(p.MessageID)
	case models.EventResponseToken:
		var p models.ResponseToken
		if err := env.Decode(&p); err != nil {
			return err
		}
		return t.reducer.Token(models.StreamToken{
			MessageID:     p.MessageID,
			Content:       p.Token,
			SequenceIndex: p.Index,
		})
	case models.EventResponseEnd:
		var p models.ResponseEnd
		if err := env.Decode(&p); err != nil {
			return err
		}
		return t.reducer.End(p.MessageID)
	case models.EventResponseError:
		var p models.ResponseError
		if err := env.Decode(&p); err != nil {
			return err
		}
		return t.reducer.Error(p.MessageID, p.Error)
	default:
		return fmt.Errorf("unknown event %q", env.Event)
	}
}
