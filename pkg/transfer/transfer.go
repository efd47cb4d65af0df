// Package transfer implements the low-level transfer object of
// spec.md §3/§4.9: one in-flight request, a single-linked list of
// observer views sharing it, and the cancel handshake bits.
package transfer

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/openaudio/streammgr/pkg/llio"
	"github.com/openaudio/streammgr/pkg/memblock"
)

// Transfer is one in-flight low-level request. It owns its memory
// block while active and is destroyed exactly once, after completion
// notifies every observer.
type Transfer struct {
	ID    memblock.TransferID
	Block *memblock.Block
	Info  llio.TransferInfo
	Write bool

	observers *memblock.View // head of the single-linked observer list

	wasSentToLLIO      bool
	wasLLIOCancelCalled bool
}

// AddObserver pushes v onto the head of the transfer's observer list
// (most recently added first) and sets v's status to Pending.
func (t *Transfer) AddObserver(v *memblock.View) {
	v.Status = memblock.Pending
	v.SetObserverNext(t.observers)
	t.observers = v
}

// Observers returns the current observer list head (for iteration via
// v.ObserverNext()).
func (t *Transfer) Observers() *memblock.View { return t.observers }

// ObserverCount walks the list and counts its observers.
func (t *Transfer) ObserverCount() int {
	n := 0
	for v := t.observers; v != nil; v = v.ObserverNext() {
		n++
	}
	return n
}

// ClearObservers detaches the whole observer list, returning its
// former head so the caller can walk and notify them.
func (t *Transfer) ClearObservers() *memblock.View {
	head := t.observers
	t.observers = nil
	return head
}

// MarkSent records that the request has actually been handed to the
// backend (vs. still queued waiting for a pool slot).
func (t *Transfer) MarkSent() { t.wasSentToLLIO = true }

// WasSent reports whether MarkSent was called.
func (t *Transfer) WasSent() bool { return t.wasSentToLLIO }

// MarkCancelCalled idempotently records that hook.Cancel has already
// been issued for this transfer, so a second observer's cancel attempt
// doesn't double-call the backend.
func (t *Transfer) MarkCancelCalled() (alreadyCalled bool) {
	alreadyCalled = t.wasLLIOCancelCalled
	t.wasLLIOCancelCalled = true
	return alreadyCalled
}

// Pool bounds the number of concurrent in-flight deferred transfers to
// a device's max_concurrent_io, using a weighted semaphore in place of
// the original's fixed AkArray of pre-allocated transfer slots
// (SPEC_FULL §B) — acquiring one unit models "borrowing a slot",
// releasing it models returning one to the pool.
type Pool struct {
	sem    *semaphore.Weighted
	nextID memblock.TransferID
}

// NewPool creates a pool gating at most maxConcurrentIO simultaneous
// transfers.
func NewPool(maxConcurrentIO int) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(maxConcurrentIO))}
}

// Acquire blocks until a transfer slot is available or ctx is
// cancelled.
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// TryAcquire attempts to acquire a slot without blocking.
func (p *Pool) TryAcquire() bool {
	return p.sem.TryAcquire(1)
}

// Release returns a slot to the pool.
func (p *Pool) Release() {
	p.sem.Release(1)
}

// New constructs a Transfer bound to block, allocating the next pool
// ID.
func (p *Pool) New(block *memblock.Block, write bool, info llio.TransferInfo) *Transfer {
	p.nextID++
	return &Transfer{ID: p.nextID, Block: block, Write: write, Info: info}
}
