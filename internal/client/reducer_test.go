package client_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	now := time.UnixMilli(1_700_000_000_000)
	return func() time.Time { return now }
}

func token(id int64, index int, content string) models.StreamToken {
	return models.StreamToken{MessageID: id, Content: content, SequenceIndex: index}
}

func TestReducer_ConnectionStates(t *testing.T) {
	var seen []models.ConnectionState
	r := client.NewReducer(client.ModeChannel, client.WithStateObserver(func(s models.ConnectionState) {
		seen = append(seen, s)
	}))

	require.Equal(t, models.StateDisconnected, r.State())

	r.Connect()
	require.Equal(t, models.StateConnecting, r.State())
	require.ErrorIs(t, r.Reconnect(), client.ErrInvalidTransition)

	r.Opened()
	require.Equal(t, models.StateConnected, r.State())
	require.ErrorIs(t, r.Reconnect(), client.ErrInvalidTransition)

	r.Failed(errors.New("network down"))
	require.Equal(t, models.StateError, r.State())
	require.Equal(t, "network down", r.LastError())

	require.NoError(t, r.Reconnect())
	require.Equal(t, models.StateConnecting, r.State())

	r.Opened()
	r.Closed()
	require.Equal(t, models.StateDisconnected, r.State())
	require.NoError(t, r.Reconnect())

	require.Equal(t, []models.ConnectionState{
		models.StateConnecting,
		models.StateConnected,
		models.StateError,
		models.StateConnecting,
		models.StateConnected,
		models.StateDisconnected,
		models.StateConnecting,
	}, seen)
}

func TestReducer_Greeting(t *testing.T) {
	r := client.NewReducer(client.ModeRequest, client.WithGreeting("hello there"), client.WithClock(fixedClock()))

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, models.SenderAssistant, msgs[0].Sender)
	require.Equal(t, "hello there", msgs[0].Text)
	require.False(t, msgs[0].Streaming)
}

func TestReducer_SubmitGating(t *testing.T) {
	t.Run("blank input", func(t *testing.T) {
		r := client.NewReducer(client.ModeRequest)
		for _, text := range []string{"", "   ", "\n\t"} {
			_, err := r.Submit(text)
			require.ErrorIs(t, err, client.ErrEmptyMessage)
		}
		require.Empty(t, r.Messages())
	})

	t.Run("channel requires connection", func(t *testing.T) {
		r := client.NewReducer(client.ModeChannel)
		_, err := r.Submit("hi")
		require.ErrorIs(t, err, client.ErrNotConnected)

		r.Connect()
		_, err = r.Submit("hi")
		require.ErrorIs(t, err, client.ErrNotConnected)

		r.Opened()
		id, err := r.Submit("hi")
		require.NoError(t, err)
		require.Zero(t, id)
		require.Len(t, r.Messages(), 1)
	})

	t.Run("request mode ignores connection", func(t *testing.T) {
		r := client.NewReducer(client.ModeRequest)
		r.Failed(errors.New("earlier failure"))

		id, err := r.Submit("hi")
		require.NoError(t, err)
		require.NotZero(t, id)
	})

	t.Run("busy until terminal", func(t *testing.T) {
		r := client.NewReducer(client.ModeRequest)
		id, err := r.Submit("first")
		require.NoError(t, err)
		require.True(t, r.Busy())

		_, err = r.Submit("second")
		require.ErrorIs(t, err, client.ErrBusy)

		require.NoError(t, r.End(id))
		require.False(t, r.Busy())

		_, err = r.Submit("second")
		require.NoError(t, err)
	})
}

func TestReducer_RequestModeStream(t *testing.T) {
	r := client.NewReducer(client.ModeRequest, client.WithClock(fixedClock()))

	id, err := r.Submit("hello")
	require.NoError(t, err)

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, models.SenderUser, msgs[0].Sender)
	require.Equal(t, "hello", msgs[0].Text)
	require.Equal(t, models.SenderAssistant, msgs[1].Sender)
	require.Equal(t, id, msgs[1].ID)
	require.True(t, msgs[1].Streaming)
	require.Empty(t, msgs[1].Text)
	require.Less(t, msgs[0].ID, msgs[1].ID)

	for i, s := range []string{"你", "好", "！"} {
		require.NoError(t, r.Token(token(id, i, s)))
	}
	require.NoError(t, r.End(id))

	msg, ok := r.Message(id)
	require.True(t, ok)
	require.Equal(t, "你好！", msg.Text)
	require.False(t, msg.Streaming)
}

func TestReducer_OutOfOrderTokens(t *testing.T) {
	r := client.NewReducer(client.ModeChannel)
	require.NoError(t, r.Start(7))

	require.NoError(t, r.Token(token(7, 2, "c")))
	require.NoError(t, r.Token(token(7, 1, "b")))

	msg, _ := r.Message(7)
	require.Empty(t, msg.Text, "tokens after a gap are held back")

	require.NoError(t, r.Token(token(7, 0, "a")))
	msg, _ = r.Message(7)
	require.Equal(t, "abc", msg.Text)

	require.ErrorIs(t, r.Token(token(7, 1, "b")), client.ErrOutOfOrder)

	require.NoError(t, r.Token(token(7, 4, "e")))
	require.ErrorIs(t, r.Token(token(7, 4, "e")), client.ErrOutOfOrder)
	require.NoError(t, r.Token(token(7, 3, "d")))

	msg, _ = r.Message(7)
	require.Equal(t, "abcde", msg.Text)
}

func TestReducer_NoTokenAfterTerminal(t *testing.T) {
	r := client.NewReducer(client.ModeChannel)
	require.NoError(t, r.Start(1))
	require.NoError(t, r.Token(token(1, 0, "a")))
	require.NoError(t, r.End(1))

	require.ErrorIs(t, r.Token(token(1, 1, "b")), client.ErrStreamClosed)
	require.ErrorIs(t, r.End(1), client.ErrStreamClosed)
	require.ErrorIs(t, r.Error(1, "late"), client.ErrStreamClosed)
	require.ErrorIs(t, r.Start(1), client.ErrStreamClosed)

	msg, _ := r.Message(1)
	require.Equal(t, "a", msg.Text)

	require.ErrorIs(t, r.Token(token(99, 0, "x")), client.ErrUnknownMessage)
	require.ErrorIs(t, r.End(99), client.ErrUnknownMessage)
}

func TestReducer_ErrorReplacesText(t *testing.T) {
	r := client.NewReducer(client.ModeChannel)
	require.NoError(t, r.Start(3))
	require.NoError(t, r.Token(token(3, 0, "partial")))
	require.NoError(t, r.Error(3, "generator broke"))

	msg, _ := r.Message(3)
	require.Equal(t, models.ErrorText, msg.Text)
	require.False(t, msg.Streaming)
	require.Equal(t, "generator broke", r.LastError())
}

func TestReducer_FailedAbortsStreams(t *testing.T) {
	r := client.NewReducer(client.ModeChannel)
	r.Connect()
	r.Opened()

	_, err := r.Submit("hi")
	require.NoError(t, err)
	require.NoError(t, r.Start(10))
	require.NoError(t, r.Token(token(10, 0, "a")))
	require.NoError(t, r.Start(11))
	require.NoError(t, r.End(11))

	r.Failed(errors.New("connection reset"))

	require.Equal(t, models.StateError, r.State())
	require.False(t, r.Busy())

	aborted, _ := r.Message(10)
	require.Equal(t, models.ErrorText, aborted.Text)
	require.False(t, aborted.Streaming)

	done, _ := r.Message(11)
	require.Empty(t, done.Text)

	require.ErrorIs(t, r.Token(token(10, 1, "b")), client.ErrStreamClosed)

	// Never panics, whatever the state.
	r.Failed(nil)
	r.Closed()
	r.Failed(errors.New("again"))
	require.Equal(t, models.StateError, r.State())
}

func TestReducer_ConcurrentStreams(t *testing.T) {
	r := client.NewReducer(client.ModeChannel)

	ids := []int64{100, 200, 300}
	for _, id := range ids {
		require.NoError(t, r.Start(id))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_ = r.Token(token(id, i, "x"))
			}
			_ = r.End(id)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		msg, ok := r.Message(id)
		require.True(t, ok)
		require.Len(t, msg.Text, 50)
		require.False(t, msg.Streaming)
	}
}

func TestReducer_MessageObserver(t *testing.T) {
	var texts []string
	r := client.NewReducer(client.ModeRequest, client.WithMessageObserver(func(m models.ChatMessage) {
		if m.Sender == models.SenderAssistant {
			texts = append(texts, m.Text)
		}
	}))

	id, err := r.Submit("q")
	require.NoError(t, err)
	require.NoError(t, r.Token(token(id, 0, "a")))
	require.NoError(t, r.Token(token(id, 1, "b")))
	require.NoError(t, r.End(id))

	require.Equal(t, []string{"", "a", "ab", "ab"}, texts)
}

func TestReducer_ChannelMessageIDsUnique(t *testing.T) {
	now := fixedClock()()
	r := client.NewReducer(client.ModeChannel,
		client.WithGreeting("hello"),
		client.WithClock(func() time.Time { return now }))
	r.Connect()
	r.Opened()

	_, err := r.Submit("hi")
	require.NoError(t, err)
	userID := r.Messages()[1].ID

	// The server picked the same millisecond for its message id.
	require.NoError(t, r.Start(userID))
	require.NoError(t, r.Token(token(userID, 0, "ok")))
	require.NoError(t, r.End(userID))

	reply, ok := r.Message(userID)
	require.True(t, ok)
	require.Equal(t, "ok", reply.Text)
	require.NotEqual(t, userID, reply.ID)

	requireDistinctIDs(t, r.Messages())
}

func requireDistinctIDs(t *testing.T, msgs []models.ChatMessage) {
	t.Helper()

	seen := map[int64]models.Sender{}
	for _, m := range msgs {
		prev, dup := seen[m.ID]
		require.False(t, dup, "id %d shared by %s and %s", m.ID, prev, m.Sender)
		seen[m.ID] = m.Sender
	}
}
