package services_test

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/stretchr/testify/require"
)

func seeded(a, b uint64) func() services.Source {
	return func() services.Source {
		return rand.New(rand.NewPCG(a, b))
	}
}

func TestTokenize_ReplyStartsWithPrompt(t *testing.T) {
	tok := services.NewTokenizer(nil, 0, nil)

	for _, prompt := range []string{"hello", "hi", "", "你好", "a \"quoted\" prompt"} {
		tokens := tok.Tokenize(seeded(1, 2)(), prompt)
		require.NotEmpty(t, tokens)

		reply := strings.Join(tokens, "")
		require.True(t, strings.HasPrefix(reply, services.ReplyPrefix(prompt)), "reply %q", reply)
	}
}

func TestTokenize_UsesPickDistinctFragments(t *testing.T) {
	tok := services.NewTokenizer(nil, 0, nil)

	for seed := uint64(0); seed < 50; seed++ {
		reply := tok.Reply(seeded(seed, seed+1)(), "q")
		rest := strings.TrimPrefix(reply, services.ReplyPrefix("q"))

		used := 0
		for _, f := range services.DefaultFragments {
			if strings.Contains(rest, f) {
				used++
			}
		}
		require.Equal(t, services.DefaultPick, used, "reply %q", reply)

		total := 0
		for _, f := range services.DefaultFragments {
			if strings.Contains(rest, f) {
				total += len(f)
			}
		}
		require.Equal(t, len(rest), total, "reply %q contains text outside the fragments", reply)
	}
}

func TestTokenize_Deterministic(t *testing.T) {
	tok := services.NewTokenizer(nil, 0, nil)

	a := tok.Tokenize(seeded(7, 9)(), "hello")
	b := tok.Tokenize(seeded(7, 9)(), "hello")
	require.Equal(t, a, b)
}

func TestTokenize_DoesNotReorderFragments(t *testing.T) {
	fragments := []string{"one.", "two.", "three.", "four."}
	before := slices.Clone(fragments)

	tok := services.NewTokenizer(fragments, 2, nil)
	for seed := uint64(0); seed < 20; seed++ {
		_ = tok.Tokenize(seeded(seed, 1)(), "x")
	}
	require.Equal(t, before, fragments)
}

func TestTokenize_KeepsGraphemeClusters(t *testing.T) {
	tok := services.NewTokenizer([]string{"👍🏽é🇨🇳"}, 1, nil)

	tokens := tok.Tokenize(seeded(1, 1)(), "é")
	require.Contains(t, tokens, "é")
	require.Contains(t, tokens, "👍🏽")
	require.Contains(t, tokens, "🇨🇳")
	require.Equal(t, "👍🏽é🇨🇳", strings.Join(tokens[len(tokens)-3:], ""))
}

func TestTokenize_PickBoundedByFragments(t *testing.T) {
	tok := services.NewTokenizer([]string{"a", "b"}, 5, nil)

	reply := tok.Reply(seeded(3, 4)(), "")
	rest := strings.TrimPrefix(reply, services.ReplyPrefix(""))
	require.Len(t, rest, 2)
	require.ElementsMatch(t, []rune("ab"), []rune(rest))
}

func TestGenerate(t *testing.T) {
	tok := services.NewTokenizer(nil, 0, seeded(5, 6))

	var got []string
	for token, err := range tok.Generate(context.Background(), "hello") {
		require.NoError(t, err)
		got = append(got, token)
	}
	require.Equal(t, tok.Tokenize(seeded(5, 6)(), "hello"), got)
}

func TestGenerate_Cancelled(t *testing.T) {
	tok := services.NewTokenizer(nil, 0, seeded(5, 6))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	var gotErr error
	for _, err := range tok.Generate(ctx, "hello") {
		if err != nil {
			gotErr = err
			break
		}
		n++
		if n == 3 {
			cancel()
		}
	}
	require.Equal(t, 3, n)
	require.ErrorIs(t, gotErr, context.Canceled)
}
