package s3fs

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor bounds concurrent background work. Dispatched multipart parts
// (§4.G) submit through it, and the full-account listing fan-out (§4.H)
// caps its per-bucket goroutines at its Capacity. Listing pages are not
// submitted through it; each prefix's pages are fetched on the listing
// goroutine. Submit does not block the caller; the returned channel
// closes when fn has returned.
type Executor interface {
	Submit(fn func()) <-chan struct{}
	Capacity() int
}

// DefaultExecutorCapacity is used by NewFilesystem when Options.Executor
// is nil. Chosen to match the modest default worker-pool sizing the
// teacher's runner package uses for background task pools; recorded as
// an explicit decision in DESIGN.md rather than left as an unexplained
// magic number.
const DefaultExecutorCapacity = 8

// semExecutor is an Executor backed by a weighted semaphore, admitting up
// to capacity concurrently-running tasks. Each Submit starts a goroutine
// that waits for a free slot before running fn, so at most capacity tasks
// run at once while excess tasks wait in their own goroutines; the number
// of waiting goroutines is not bounded.
type semExecutor struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewExecutor returns an Executor admitting up to capacity concurrent
// tasks. capacity must be ≥ 1.
func NewExecutor(capacity int) Executor {
	if capacity < 1 {
		capacity = 1
	}
	return &semExecutor{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

func (e *semExecutor) Capacity() int { return e.capacity }

func (e *semExecutor) Submit(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)
		fn()
	}()
	return done
}
