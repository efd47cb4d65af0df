package memblock

import "github.com/openaudio/streammgr/pkg/llio"

// ViewStatus is the lifecycle state of a View, per spec.md §3.
type ViewStatus int

const (
	// Pending: attached to a block with an in-flight transfer.
	Pending ViewStatus = iota
	// Completed: the owning transfer finished successfully but the
	// view hasn't yet been promoted to Ready (deferred out-of-order
	// completion, §5).
	Completed
	// Cancelled: the transfer was cancelled or failed before delivering
	// usable data.
	Cancelled
	// Ready: usable data is present, either because the transfer
	// completed or because the view was attached to already-valid
	// cached data.
	Ready
)

// View is a stream-local window (block, offset) into a Block, plus a
// lifecycle status. A View holds exactly one ref on its Block for its
// entire lifetime — the ref the block already carries when it reaches
// Attach (GetOldestFreeBlock's fresh SetRefCount(1), GetCachedBlock's
// Ref() on a shared hit, or CloneTemp's SetRefCount(1)), not a ref
// Attach takes itself.
type View struct {
	Block  *Block
	Offset uint32
	Size   uint32

	Status ViewStatus

	// observerNext chains this view into a transfer's single-linked
	// observer list (pkg/transfer), index-free since views are
	// heap-allocated Go values addressed by pointer, unlike the
	// original's intrusive AkListBareLight over raw pointers.
	observerNext *View

	// onSettle, when non-nil, is invoked once by the owning transfer's
	// completion dispatch when this view was attached as an observer to
	// a transfer issued on another stream's behalf (the cross-stream
	// cache-hit-on-a-busy-block path, spec.md §4.5/§4.9). pkg/memblock
	// deliberately knows nothing about streams or promotion ordering;
	// it just carries the callback the attaching stream registered.
	onSettle func(result llio.Result)
}

// Attach creates a new view over block at the given offset/size.
// block must already carry the ref this view will own (its caller is
// one of the iomem.Manager accessors, or a synthetic block freshly
// SetRefCount(1)); Attach does not ref it again, so the eventual
// single Release/ReleaseBlock call brings it back to exactly the
// refcount it had before this view existed. status should be Pending
// if the block is busy, Ready if the data is already valid.
func Attach(block *Block, offset, size uint32, status ViewStatus) *View {
	return &View{Block: block, Offset: offset, Size: size, Status: status}
}

// Release drops the view's reference on its block and returns the
// block's new refcount. The caller (under the device lock) must act
// on a 0 result.
func (v *View) Release() int32 {
	if v.Block == nil {
		return -1
	}
	n := v.Block.Unref()
	v.Block = nil
	return n
}

// Start returns the view's absolute file position.
func (v *View) Start() uint64 { return v.Block.Position + uint64(v.Offset) }

// End returns the view's absolute file end position (exclusive).
func (v *View) End() uint64 { return v.Start() + uint64(v.Size) }

// Data returns the view's slice of the underlying pool arena. poolData
// is supplied by the caller (the IO memory manager owns the pool).
func (v *View) Data(poolData func(offset, size uint32) []byte) []byte {
	return poolData(v.Block.Offset+v.Offset, v.Size)
}

// ObserverNext returns the next view in a transfer's observer list.
func (v *View) ObserverNext() *View { return v.observerNext }

// SetObserverNext links v into a transfer's observer list (pkg/transfer
// only).
func (v *View) SetObserverNext(next *View) { v.observerNext = next }

// SetOnSettle registers the callback a transfer's completion dispatch
// invokes for this view once, the one time it settles as an observer
// rather than as the transfer's original issuer.
func (v *View) SetOnSettle(f func(result llio.Result)) { v.onSettle = f }

// Settle runs this view's registered onSettle callback, if any. Safe
// to call even when none was registered (the transfer's own view,
// which is updated directly by its issuing stream instead).
func (v *View) Settle(result llio.Result) {
	if v.onSettle != nil {
		v.onSettle(result)
	}
}
