// Package batch runs recognition over many inputs under a fixed concurrency
// ceiling, collecting per-item success and failure independently.
package batch

import (
	"context"
	"sync"
)

// Outcome pairs the result slot for input index i with any error raised by
// its task. Exactly one of Value/Err is meaningful.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Results holds one outcome per input, index-aligned with the input slice.
type Results[T, R any] struct {
	Items    []T
	Outcomes []Outcome[R]
}

// Successes returns the values of all succeeded items, in input order.
func (r Results[T, R]) Successes() []R {
	var out []R
	for _, o := range r.Outcomes {
		if o.Err == nil {
			out = append(out, o.Value)
		}
	}
	return out
}

// Failure pairs a failed input with its error.
type Failure[T any] struct {
	Item T
	Err  error
}

// Failures returns the failed items paired with their errors, in input order.
func (r Results[T, R]) Failures() []Failure[T] {
	var out []Failure[T]
	for i, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, Failure[T]{Item: r.Items[i], Err: o.Err})
		}
	}
	return out
}

// Run launches one task per item, admission-gated by a counting semaphore so
// at most maxConcurrency tasks run fn concurrently. Tasks start eagerly and
// block on the semaphore; a task failure never cancels its siblings.
// Cancelling ctx fails every item still waiting or in flight (fn observes
// ctx itself) without deadlock. The scheduler performs no retries.
func Run[T, R any](ctx context.Context, items []T, maxConcurrency int, fn func(ctx context.Context, item T) (R, error)) Results[T, R] {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	outcomes := make([]Outcome[R], len(items))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = Outcome[R]{Err: ctx.Err()}
				return
			}
			value, err := fn(ctx, items[i])
			outcomes[i] = Outcome[R]{Value: value, Err: err}
		}(i)
	}
	wg.Wait()

	return Results[T, R]{Items: items, Outcomes: outcomes}
}
