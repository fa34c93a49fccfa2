package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// HandleSSE streams one reply over a single Server-Sent Events response.
//
// The handler expects a "message" query parameter and answers 400 with a JSON error body when it is
// missing, before any stream begins. Otherwise it waits the initial delay, sends one token frame per token
// with its index, then a done frame, and returns, which closes the stream. If generation fails it sends an
// error frame instead of the done frame.
//
// When the client goes away the request context ends, the pending wait is abandoned and nothing more is
// written.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		return
	}

	msg := r.URL.Query().Get("message")
	if msg == "" {
		m.logger.Error("Message is required")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Message is required"})
		return
	}

	if !m.admit() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Server is shutting down"})
		return
	}
	defer m.active.Done()

	ctx, cancel := m.streamContext(r.Context())
	defer cancel()

	// Keeps intermediaries from buffering the stream.
	w.Header().Set("Cache-Control", "no-cache")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Streaming unsupported"})
		return
	}
	// Headers go out right away, so the client sees the stream open during the initial delay.
	if err := sess.Flush(); err != nil {
		m.logger.Debug("Failed to open event stream", slog.String(errLoggerKey, err.Error()))
		return
	}

	logger := m.logger.With(slog.String("stream", uuid.NewString()))
	logger.Debug("Stream opened", slog.String("message", msg))

	schedule := services.Schedule{
		InitialDelay: m.cfg.InitialDelay,
		Pacer:        m.newPacer(),
	}

	sent := 0
	for tok, err := range schedule.Run(ctx, m.generator.Generate(ctx, msg)) {
		if err != nil {
			if errors.Is(err, services.ErrStreamCancelled) {
				logger.Debug("Client went away, abandoning stream", slog.Int("sent", sent))
				return
			}
			logger.Error("Failed to generate reply", slog.String(errLoggerKey, err.Error()))
			if err := sendFrame(sess, models.Frame{Type: models.FrameError, Error: err.Error()}); err != nil {
				logger.Debug("Failed to send error frame", slog.String(errLoggerKey, err.Error()))
			}
			return
		}

		if err := sendFrame(sess, models.TokenFrame(tok.Content, tok.SequenceIndex)); err != nil {
			logger.Debug("Failed to send token, abandoning stream",
				slog.Int("index", tok.SequenceIndex),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		sent++
	}

	if err := sendFrame(sess, models.Frame{Type: models.FrameDone, Message: models.DoneMessage}); err != nil {
		logger.Debug("Failed to send done frame", slog.String(errLoggerKey, err.Error()))
		return
	}
	logger.Debug("Stream completed", slog.Int("sent", sent))
}

func sendFrame(sess *sse.Session, f models.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	msg := sse.Message{}
	msg.AppendData(string(b))

	if err := sess.Send(&msg); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}
