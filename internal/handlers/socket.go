package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// session is one persistent channel. Replies started on it run concurrently, each with its own message
// id and schedule, and all of them stop when the session context ends.
type session struct {
	id   string
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// gorilla connections support a single concurrent writer.
	writeMu      sync.Mutex
	writeTimeout time.Duration

	ids     *services.IDAllocator
	replies errgroup.Group

	logger *slog.Logger
}

// HandleSocket upgrades the request to a WebSocket and serves it until the peer disconnects or Main shuts
// down.
//
// Every inbound user_message gets a fresh message id and is answered with ai_response_start, one
// ai_response_token per token and ai_response_end, or ai_response_error in place of the end when the
// reply cannot be completed. Frames that cannot be parsed and unknown events are ignored.
func (m Main) HandleSocket(w http.ResponseWriter, r *http.Request) {
	if !m.admit() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Server is shutting down"})
		return
	}
	defer m.active.Done()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		m.logger.Error("Failed to upgrade to websocket", slog.String(errLoggerKey, err.Error()))
		return
	}

	// The request context is not a reliable signal once the connection is hijacked, so the session
	// lifetime hangs off the base context only.
	ctx, cancel := m.streamContext(context.Background())
	defer cancel()

	s := &session{
		id:           uuid.NewString(),
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: m.cfg.WriteTimeout,
		ids:          services.NewIDAllocator(nil),
	}
	s.logger = m.logger.With(slog.String("session", s.id))

	// Closing the connection unblocks the read loop when the session ends for any other reason.
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	s.logger.Info("Socket connected", slog.String("remote", r.RemoteAddr))

	if m.cfg.PingInterval > 0 {
		s.keepalive(m.cfg.PingInterval)
	}
	s.readLoop(m)

	cancel()
	_ = conn.Close()
	_ = s.replies.Wait()

	s.logger.Info("Socket disconnected")
}

func (s *session) readLoop(m Main) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Socket read failed", slog.String(errLoggerKey, err.Error()))
			}
			return
		}

		env, err := models.ParseEnvelope(data)
		if err != nil {
			s.logger.Warn("Dropping malformed frame", slog.String(errLoggerKey, err.Error()))
			continue
		}

		switch env.Event {
		case models.EventUserMessage:
			var um models.UserMessage
			if err := env.Decode(&um); err != nil {
				s.logger.Warn("Dropping malformed user message", slog.String(errLoggerKey, err.Error()))
				continue
			}
			// Ids are allocated here so they follow arrival order.
			id := s.ids.Next()
			s.replies.Go(func() error {
				m.reply(s, id, um.Message)
				return nil
			})
		default:
			s.logger.Debug("Ignoring unknown event", slog.String("event", string(env.Event)))
		}
	}
}

// reply streams one answer. Exactly one start and one terminal event are emitted for id, unless the
// channel goes away first, in which case emission simply stops.
func (m Main) reply(s *session, id int64, prompt string) {
	logger := s.logger.With(slog.Int64("messageId", id))
	logger.Debug("Reply requested", slog.String("message", prompt))

	if err := s.emit(models.EventResponseStart, models.ResponseStart{MessageID: id}); err != nil {
		s.abandon(logger, err)
		return
	}

	terminated := false
	fail := func(reason string) {
		terminated = true
		if err := s.emit(models.EventResponseError, models.ResponseError{MessageID: id, Error: reason}); err != nil {
			s.abandon(logger, err)
		}
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Reply panicked", slog.String(errLoggerKey, fmt.Sprint(p)))
			if !terminated {
				fail("internal error")
			}
		}
	}()

	if strings.TrimSpace(prompt) == "" {
		logger.Warn("Rejecting empty message")
		fail("Message is required")
		return
	}

	schedule := services.Schedule{
		MessageID: id,
		Pacer:     m.newPacer(),
	}

	for tok, err := range schedule.Run(s.ctx, m.generator.Generate(s.ctx, prompt)) {
		if err != nil {
			if errors.Is(err, services.ErrStreamCancelled) {
				logger.Debug("Session closed, abandoning reply")
				return
			}
			logger.Error("Failed to generate reply", slog.String(errLoggerKey, err.Error()))
			fail(err.Error())
			return
		}

		if err := s.emit(models.EventResponseToken, models.ResponseToken{
			MessageID: id,
			Token:     tok.Content,
			Index:     tok.SequenceIndex,
		}); err != nil {
			s.abandon(logger, err)
			return
		}
	}

	terminated = true
	if err := s.emit(models.EventResponseEnd, models.ResponseEnd{MessageID: id}); err != nil {
		s.abandon(logger, err)
		return
	}
	logger.Debug("Reply completed")
}

var errSessionClosed = errors.New("session closed")

// emit writes one event. Nothing is written once the session has ended.
func (s *session) emit(event models.Event, data any) error {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write %s: %w", event, err)
	}
	return nil
}

// abandon tears the session down after a failed write: the channel is unusable, so other replies must
// stop too.
func (s *session) abandon(logger *slog.Logger, err error) {
	if errors.Is(err, errSessionClosed) {
		logger.Debug("Session closed, abandoning reply")
		return
	}
	logger.Warn("Socket write failed, closing session", slog.String(errLoggerKey, err.Error()))
	s.cancel()
}

// keepalive pings the peer every interval and drops the session when no pong arrives within two
// intervals.
func (s *session) keepalive(interval time.Duration) {
	wait := 2 * interval
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})

	s.replies.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
					s.logger.Debug("Ping failed", slog.String(errLoggerKey, err.Error()))
					s.cancel()
					return nil
				}
			}
		}
	})
}
