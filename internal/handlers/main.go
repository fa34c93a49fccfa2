package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/gorilla/websocket"
)

// Generator produces the tokens of a reply. It accepts a context and the user's prompt, returning an
// iterator that yields tokens in order and potential errors. The iterator must be finite.
type Generator interface {
	Generate(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Config tunes the pacing of both transports and the socket keepalive.
type Config struct {
	// MinDelay and MaxDelay bound the uniformly drawn wait before each token.
	MinDelay time.Duration
	MaxDelay time.Duration
	// InitialDelay is waited once before the first token of an SSE stream.
	InitialDelay time.Duration
	// PingInterval is how often a socket session pings its peer. Zero disables keepalive.
	PingInterval time.Duration
	// WriteTimeout bounds a single socket write. Zero means no deadline.
	WriteTimeout time.Duration

	// NewSource returns the random source of one stream. Defaults to services.NewSource.
	NewSource func() services.Source
}

// Main serves the two streaming transports. It owns the base context every stream and socket session is
// derived from, so Shutdown can stop in-flight emissions that the HTTP server does not track, like
// hijacked WebSocket connections.
type Main struct {
	generator Generator
	cfg       Config
	upgrader  websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	// mu orders admission against Shutdown, so active.Add never races active.Wait.
	mu      *sync.Mutex
	active  *sync.WaitGroup

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a Main streaming replies produced by generator. Zero values in cfg are left as they
// are, except NewSource which defaults to services.NewSource.
func NewMain(generator Generator, cfg Config, logger *slog.Logger) Main {
	if cfg.NewSource == nil {
		cfg.NewSource = services.NewSource
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return Main{
		generator: generator,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx: ctx,
		cancel:  cancel,
		mu:      &sync.Mutex{},
		active:  &sync.WaitGroup{},
		logger:  logger.With(slog.String("module", "handlers")),
	}
}

// Routes returns a handler serving both transports behind the CORS middleware.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/sse", m.HandleSSE)
	mux.HandleFunc("/api/socketio", m.HandleSocket)
	return CORS(mux)
}

// Shutdown cancels every in-flight stream and socket session, then waits for them to finish or for ctx to
// end, whichever comes first.
func (m Main) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit registers a new stream, or reports false when Main is shutting down. Every admitted stream must
// call m.active.Done when it ends.
func (m Main) admit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseCtx.Err() != nil {
		return false
	}
	m.active.Add(1)
	return true
}

// streamContext derives the context of one stream: it ends when parent ends or when Main shuts down.
func (m Main) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(m.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m Main) newPacer() *services.UniformPacer {
	return services.NewUniformPacer(m.cfg.MinDelay, m.cfg.MaxDelay, m.cfg.NewSource())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}
