// Package oprepo is the operation repo (spec.md §4.11, component C11): a
// key -> latest-operation map that batches rapid-fire marks for the same key
// into a single pending operation and drains them with exponential-backoff
// re-enqueueing on transient failure.
package oprepo

import (
	"context"
	"sync"
	"time"

	"github.com/potionforge/ganon/syncop"
)

// Repo holds at most one pending operation per key (spec.md §4.11
// "addOperation(key, op) overwrites any prior unsent op for the same key").
type Repo struct {
	mu    sync.Mutex
	ops   map[string]syncop.Operation
	after func(d time.Duration, f func()) *time.Timer // swappable for tests
}

// New returns an empty Repo.
func New() *Repo {
	return &Repo{ops: make(map[string]syncop.Operation), after: time.AfterFunc}
}

// AddOperation enqueues op for its key, replacing whatever was previously
// queued for that key and never sent.
func (r *Repo) AddOperation(op syncop.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.Key()] = op
}

// Len reports how many distinct keys currently have a pending operation.
func (r *Repo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// ProcessOperations drains every currently-pending operation, running
// distinct keys' operations concurrently (spec.md §5 "the repo is free to
// pipeline distinct keys") and collecting one Result per key executed this
// round, failures included. Operations whose result says ShouldRetry are
// additionally re-enqueued with an incremented retry count after that
// operation's backoff delay, to be picked up by a future ProcessOperations
// call once their delay elapses.
func (r *Repo) ProcessOperations(ctx context.Context) []syncop.Result {
	r.mu.Lock()
	batch := r.ops
	r.ops = make(map[string]syncop.Operation)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	results := make([]syncop.Result, len(batch))
	var wg sync.WaitGroup
	i := 0
	for _, op := range batch {
		wg.Add(1)
		go func(i int, op syncop.Operation) {
			defer wg.Done()
			result := op.Execute(ctx)
			results[i] = result
			if !result.Success && result.ShouldRetry {
				r.scheduleRetry(op)
			}
		}(i, op)
		i++
	}
	wg.Wait()
	return results
}

func (r *Repo) scheduleRetry(op syncop.Operation) {
	retried := op.Retry()
	delay := retried.NextDelay()
	r.after(delay, func() {
		r.AddOperation(retried)
	})
}
