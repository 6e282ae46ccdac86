package session

import (
	"context"
	"math/rand/v2"
	"strconv"

	"github.com/wricardo/livetrack/tracking/service"
)

const (
	MinCode = 1000
	MaxCode = 9999

	// DefaultMaxAttempts is how many candidate codes Allocate tries.
	DefaultMaxAttempts = 10
)

// ExistenceChecker reports whether a session code is taken.
type ExistenceChecker interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// Allocator generates session codes that are free at the time of the check.
//
// The check and the later insert are not atomic. Two concurrent callers may be
// handed the same code; the store's insert-if-absent rejects the loser with
// service.ErrDuplicateCode.
type Allocator struct {
	checker     ExistenceChecker
	maxAttempts int
	intN        func(n int) int
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithMaxAttempts sets the number of candidates tried before giving up.
func WithMaxAttempts(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithRandom replaces the random source. intN must return a value in [0, n).
func WithRandom(intN func(n int) int) AllocatorOption {
	return func(a *Allocator) {
		if intN != nil {
			a.intN = intN
		}
	}
}

// NewAllocator creates an allocator backed by checker.
func NewAllocator(checker ExistenceChecker, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		checker:     checker,
		maxAttempts: DefaultMaxAttempts,
		intN:        rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns a code not currently used by any session, or
// service.ErrExhaustedCodespace after maxAttempts collisions.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for i := 0; i < a.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code := strconv.Itoa(MinCode + a.intN(MaxCode-MinCode+1))
		exists, err := a.checker.Exists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", service.ErrExhaustedCodespace
}
