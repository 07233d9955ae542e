package s3fs

import "sync"

// finalizer is a per-Filesystem registry guaranteeing that, once finalized,
// no holder hands out a live client again, and that finalization itself
// does not return until every in-flight LockHandle has been released.
// Grounded on nabbar-golib's aws.Finalizer / ClientHolder pair in
// aws/model.go, generalized from a single global instance to one per
// Filesystem (a process may open more than one Filesystem against
// different S3 endpoints, each needing its own shutdown boundary). There
// is no process-wide finalizer that finalizes every Filesystem at once.
type finalizer struct {
	mu        sync.RWMutex
	finalized bool
	holders   []*ClientHolder
}

func newFinalizer() *finalizer {
	return &finalizer{}
}

// register adds h to the set of holders this finalizer can clear. Must
// be called before the finalizer could plausibly run; callers hold no
// lock across this and the holder's own creation.
func (f *finalizer) register(h *ClientHolder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holders = append(f.holders, h)
}

// lock acquires a LockHandle in shared mode. Returns ErrFinalized if the
// finalizer has already run.
func (f *finalizer) lock() (*LockHandle, error) {
	f.mu.RLock()
	if f.finalized {
		f.mu.RUnlock()
		return nil, &Error{Op: "lock", Kind: Finalized, Err: ErrFinalized}
	}
	return &LockHandle{f: f}, nil
}

// finalize takes the exclusive lock, marks the finalizer finalized so no
// further shared lock succeeds, releases the exclusive lock (so any
// shared lockers already waiting can observe the new state and fail
// fast), then clears every holder's client under each holder's own
// mutex. This ordering — exclusive-then-release-then-clear — is what the
// lock-ordering rule in the client holder contract requires: finalize
// must not hold the registry's exclusive lock while also taking a
// per-holder lock, or a holder mid-call could deadlock against it.
func (f *finalizer) finalize() {
	f.mu.Lock()
	if f.finalized {
		f.mu.Unlock()
		return
	}
	f.finalized = true
	holders := append([]*ClientHolder(nil), f.holders...)
	f.mu.Unlock()

	for _, h := range holders {
		h.clear()
	}
}

func (f *finalizer) isFinalized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.finalized
}

// LockHandle guarantees, for its lifetime, that the client pointer
// captured at acquisition time stays valid: finalize() cannot complete
// (i.e. cannot proceed past clearing holders) until every LockHandle
// taken before it was acquired has been released, because shared and
// exclusive acquisitions on the same sync.RWMutex serialize that way.
//
// Call sites that issue more than one S3 request must release the
// handle between requests (see moveOut) rather than holding it across
// both — a held shared lock plus a pending exclusive acquirer can starve
// any later shared acquisition on most RWMutex implementations.
type LockHandle struct {
	f        *finalizer
	released bool
}

// Release gives up this handle's share of the finalizer's lock. Safe to
// call at most once; a second call is a no-op.
func (h *LockHandle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.f.mu.RUnlock()
}

// moveOut transfers ownership of h into a fresh local so its Release is
// syntactically visible (via defer) at the call site, matching the
// contract's move_out helper.
func moveOut(h *LockHandle) *LockHandle {
	return h
}

// ClientHolder owns the live S3API client for one Filesystem. Its client
// is cleared exactly once, by its finalizer, when Close runs on the
// owning Filesystem.
type ClientHolder struct {
	f  *finalizer
	mu sync.Mutex
	c  S3API
}

// newClientHolder creates a holder wrapping c and registers it with f so
// a future f.finalize() call will clear it.
func newClientHolder(f *finalizer, c S3API) *ClientHolder {
	h := &ClientHolder{f: f, c: c}
	f.register(h)
	return h
}

// Lock acquires the finalizer's shared lock and, if still live, returns
// the held client. Returns ErrFinalized otherwise.
func (h *ClientHolder) Lock() (S3API, *LockHandle, error) {
	lh, err := h.f.lock()
	if err != nil {
		return nil, nil, err
	}
	h.mu.Lock()
	c := h.c
	h.mu.Unlock()
	if c == nil {
		lh.Release()
		return nil, nil, &Error{Op: "lock", Kind: Finalized, Err: ErrFinalized}
	}
	return c, lh, nil
}

func (h *ClientHolder) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.c = nil
}

// Finalized reports whether this holder's finalizer has already run.
func (h *ClientHolder) Finalized() bool {
	return h.f.isFinalized()
}
