package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSEGreeting is the assistant greeting shown before the first SSE exchange.
const SSEGreeting = "你好！我是AI助手，请问有什么可以帮助你的吗？"

// SSETransport sends every prompt as its own event-stream request and folds the frames into a reducer in
// ModeRequest.
type SSETransport struct {
	endpoint string
	client   *http.Client
	reducer  *Reducer

	logger *slog.Logger
}

// NewSSETransport creates a transport talking to the server at baseURL, e.g. "http://localhost:3000".
func NewSSETransport(baseURL string, client *http.Client, reducer *Reducer, logger *slog.Logger) *SSETransport {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/api/chat/sse",
		client:   client,
		reducer:  reducer,
		logger:   logger.With(slog.String("module", "sse-client")),
	}
}

// Send submits prompt and blocks until its stream terminates. The returned error reports input, transport
// and stream failures; the reducer has already recorded them by then.
func (t *SSETransport) Send(ctx context.Context, prompt string) error {
	id, err := t.reducer.Submit(prompt)
	if err != nil {
		return err
	}
	t.reducer.Connect()

	fail := func(err error) error {
		t.reducer.Failed(err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.endpoint+"?message="+url.QueryEscape(prompt), nil)
	if err != nil {
		return fail(fmt.Errorf("error creating request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(responseError(resp))
	}
	t.reducer.Opened()

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return fail(fmt.Errorf("error reading stream: %w", err))
		}

		var f models.Frame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			t.logger.Warn("Dropping malformed frame", slog.String("data", ev.Data), slog.String("err", err.Error()))
			continue
		}

		switch f.Type {
		case models.FrameToken:
			if f.Index == nil {
				t.logger.Warn("Dropping token frame without index", slog.String("data", ev.Data))
				continue
			}
			if err := t.reducer.Token(models.StreamToken{
				MessageID:     id,
				Content:       f.Content,
				SequenceIndex: *f.Index,
			}); err != nil {
				t.logger.Warn("Rejected token", slog.String("err", err.Error()))
			}
		case models.FrameDone:
			if err := t.reducer.End(id); err != nil {
				t.logger.Warn("Rejected end of stream", slog.String("err", err.Error()))
			}
			t.reducer.Closed()
			return nil
		case models.FrameError:
			if err := t.reducer.Error(id, f.Error); err != nil {
				t.logger.Warn("Rejected stream error", slog.String("err", err.Error()))
			}
			t.reducer.Closed()
			return fmt.Errorf("stream failed: %s", f.Error)
		default:
			t.logger.Debug("Ignoring unknown frame", slog.String("type", string(f.Type)))
		}
	}

	return fail(errors.New("stream ended before completion"))
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
