package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Default pacing parameters.
const (
	DefaultMinDelay     = 50 * time.Millisecond
	DefaultMaxDelay     = 150 * time.Millisecond
	DefaultInitialDelay = 500 * time.Millisecond
)

// ErrStreamCancelled is wrapped by the error a Schedule yields when its context ends mid-stream.
var ErrStreamCancelled = errors.New("stream cancelled")

// Pacer decides how long to wait before emitting the next token.
type Pacer interface {
	NextDelay() time.Duration
}

// UniformPacer draws every delay independently and uniformly from [Min, Max).
type UniformPacer struct {
	Min time.Duration
	Max time.Duration

	rng Source
}

// NewUniformPacer creates a pacer bound to its own random source. When max is not greater than min every
// delay equals min.
func NewUniformPacer(minDelay, maxDelay time.Duration, rng Source) *UniformPacer {
	return &UniformPacer{
		Min: minDelay,
		Max: maxDelay,
		rng: rng,
	}
}

// NextDelay implements Pacer.
func (p *UniformPacer) NextDelay() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + time.Duration(p.rng.Int64N(int64(p.Max-p.Min)))
}

// Schedule is the emission plan of a single reply: which message the tokens belong to, how long to wait
// before the first one and how to pace the rest. A Schedule is owned by one request or one reply and is
// never shared.
type Schedule struct {
	MessageID    int64
	InitialDelay time.Duration
	Pacer        Pacer
}

// Run returns an iterator that waits InitialDelay once and then, for every generated token, waits a
// delay drawn from the pacer before yielding it with its sequence index. The context is the stream's
// "still active" flag: it is checked at every wait, and the pending timer is released as soon as it ends.
//
// The iterator stops after yielding an error. Cancellation errors wrap ErrStreamCancelled; generator
// errors are passed through wrapped.
func (s Schedule) Run(ctx context.Context, tokens iter.Seq2[string, error]) iter.Seq2[models.StreamToken, error] {
	return func(yield func(models.StreamToken, error) bool) {
		empty := models.StreamToken{MessageID: s.MessageID}

		if err := wait(ctx, s.InitialDelay); err != nil {
			yield(empty, fmt.Errorf("%w: %w", ErrStreamCancelled, err))
			return
		}

		index := 0
		for content, err := range tokens {
			if err != nil {
				if ctx.Err() != nil {
					yield(empty, fmt.Errorf("%w: %w", ErrStreamCancelled, ctx.Err()))
					return
				}
				yield(empty, fmt.Errorf("failed to generate token %d: %w", index, err))
				return
			}

			var delay time.Duration
			if s.Pacer != nil {
				delay = s.Pacer.NextDelay()
			}
			if err := wait(ctx, delay); err != nil {
				yield(empty, fmt.Errorf("%w: %w", ErrStreamCancelled, err))
				return
			}

			if !yield(models.StreamToken{
				MessageID:     s.MessageID,
				Content:       content,
				SequenceIndex: index,
			}, nil) {
				return
			}
			index++
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IDAllocator hands out message ids derived from the current time. Ids are strictly increasing even when
// several are requested within the same millisecond.
type IDAllocator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDAllocator creates an allocator reading the given clock, or time.Now when nil.
func NewIDAllocator(now func() time.Time) *IDAllocator {
	if now == nil {
		now = time.Now
	}
	return &IDAllocator{now: now}
}

// Next returns the next id.
func (a *IDAllocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.now().UnixMilli()
	if id <= a.last {
		id = a.last + 1
	}
	a.last = id
	return id
}
