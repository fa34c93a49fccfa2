package services

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"

	"github.com/rivo/uniseg"
)

// Source is the random source consumed by the tokenizer and the pacer. *rand.Rand from math/rand/v2
// satisfies it; tests inject a seeded one to get deterministic replies and delays.
type Source interface {
	IntN(n int) int
	Int64N(n int64) int64
}

// NewSource returns a freshly seeded Source. Each request or session gets its own, so no random state is
// shared between concurrent streams.
func NewSource() Source {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// DefaultFragments are the canned sentence fragments a reply is assembled from.
var DefaultFragments = []string{
	"这是一个很好的问题！",
	"根据你的描述，我认为",
	"在这种情况下，建议你可以",
	"从技术角度来看，",
	"我建议采用以下方法：",
	"总的来说，",
	"希望这个回答对你有帮助！",
	"如果你还有其他问题，随时可以问我。",
}

// DefaultPick is the number of fragments appended to every reply.
const DefaultPick = 3

// Tokenizer produces the simulated reply for a prompt and splits it into tokens. It is the single
// generator shared by the SSE and the socket transports.
type Tokenizer struct {
	fragments []string
	pick      int

	newSource func() Source
}

// NewTokenizer creates a Tokenizer drawing pick fragments per reply. Empty fragments fall back to
// DefaultFragments, a non-positive pick to DefaultPick, and a nil newSource to NewSource.
func NewTokenizer(fragments []string, pick int, newSource func() Source) Tokenizer {
	if len(fragments) == 0 {
		fragments = DefaultFragments
	}
	if pick <= 0 {
		pick = DefaultPick
	}
	if newSource == nil {
		newSource = NewSource
	}
	return Tokenizer{
		fragments: fragments,
		pick:      min(pick, len(fragments)),
		newSource: newSource,
	}
}

// ReplyPrefix returns the fixed opening every reply to prompt starts with.
func ReplyPrefix(prompt string) string {
	return fmt.Sprintf("针对你的问题\"%s\"，", prompt)
}

// Reply builds the full reply text: the echoed prompt followed by a random, randomly ordered subset of the
// fragments. The fragment list itself is never reordered.
func (t Tokenizer) Reply(rng Source, prompt string) string {
	idx := make([]int, len(t.fragments))
	for i := range idx {
		idx[i] = i
	}
	// Partial Fisher-Yates: only the first pick positions are needed.
	for i := 0; i < t.pick; i++ {
		j := i + rng.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}

	var sb strings.Builder
	sb.WriteString(ReplyPrefix(prompt))
	for _, i := range idx[:t.pick] {
		sb.WriteString(t.fragments[i])
	}
	return sb.String()
}

// Tokenize returns the reply for prompt split into grapheme clusters, so characters made of several code
// points (emoji sequences, combining marks) are never broken apart.
func (t Tokenizer) Tokenize(rng Source, prompt string) []string {
	reply := t.Reply(rng, prompt)

	tokens := make([]string, 0, uniseg.GraphemeClusterCount(reply))
	g := uniseg.NewGraphemes(reply)
	for g.Next() {
		tokens = append(tokens, g.Str())
	}
	return tokens
}

// Generate implements the generator contract consumed by the handlers. Every call draws a new Source, so
// concurrent calls are independent.
func (t Tokenizer) Generate(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, token := range t.Tokenize(t.newSource(), prompt) {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(token, nil) {
				return
			}
		}
	}
}
