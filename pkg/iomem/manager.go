// Package iomem implements the I/O memory manager of spec.md §4.2: a
// buddy pool wrapper maintaining a content-addressed cache index and
// an MRU free list, plus the temporary-block clone mechanism used for
// concurrent transfers into overlapping regions.
//
// All methods here must be called with the device lock held; the
// manager does no internal synchronization of its own (spec.md §4.2).
package iomem

import (
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/openaudio/streammgr/pkg/memblock"
	"github.com/openaudio/streammgr/pkg/pool"
	"github.com/openaudio/streammgr/pkg/transfer"
)

// MemChangeNotifier is how the manager tells the scheduler that memory
// became available or exhausted (spec.md §4.2, §4.7). The scheduler
// implements this; iomem only calls it.
type MemChangeNotifier interface {
	NotifyMemChange()
	NotifyMemIdle()
}

// entry is one slot in the sorted tagged-blocks index.
type entry struct {
	fileID   uint64
	position uint64
	block    *memblock.Block
}

// Manager wraps a buddy pool with cache-index and free-list
// bookkeeping.
type Manager struct {
	pool *pool.Pool

	// index is sorted by (fileID asc, position desc, block.Offset asc),
	// exactly as spec.md §3 specifies for the cache dictionary.
	index []entry

	// freeList is the MRU list of tagged, zero-refcount blocks: new
	// entries go to the tail so the oldest-freed block is evicted
	// first (spec.md §4.2 GetOldestFreeBlock pops the head).
	freeList []*memblock.Block

	// membership is a fast negative-lookup filter over file IDs
	// currently present in the index, checked before the O(log n)
	// binary search on a cache lookup (SPEC_FULL §B).
	membership *bloom.BloomFilter

	nextBlockID uint64

	notifier MemChangeNotifier

	// transfers maps a busy block's ID to the transfer currently
	// writing into it, so a second stream's cache hit on that block
	// (spec.md §4.5) can find the real *transfer.Transfer to attach to
	// as an observer. Keyed by block ID rather than holding the
	// transfer on memblock.Block itself, which would need to import
	// pkg/transfer and create a cycle (pkg/transfer already imports
	// pkg/memblock).
	transfers map[uint64]*transfer.Transfer
}

// New creates a Manager over a freshly constructed buddy pool.
func New(poolSize, maxBlockSize, minBlockSize uint32, notifier MemChangeNotifier) (*Manager, error) {
	p, err := pool.New(poolSize, maxBlockSize, minBlockSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pool:       p,
		membership: bloom.NewWithEstimates(4096, 0.01),
		notifier:   notifier,
		transfers:  make(map[uint64]*transfer.Transfer),
	}, nil
}

// Pool exposes the underlying allocator for callers that need direct
// data access (views read through here).
func (m *Manager) Pool() *pool.Pool { return m.pool }

func roundUp(size, alignment uint32) uint32 {
	if alignment == 0 {
		return size
	}
	if rem := size % alignment; rem != 0 {
		return size + (alignment - rem)
	}
	return size
}

// ReleaseBlock decrements a block's refcount. At zero: a tagged block
// goes to the tail of the MRU free list (data stays reachable via the
// cache index); an untagged block is freed back to the pool and its
// record discarded.
func (m *Manager) ReleaseBlock(b *memblock.Block) int32 {
	n := b.Unref()
	if n > 0 {
		return n
	}
	if b.Tagged() {
		b.SetIdle()
		m.freeList = append(m.freeList, b)
		if m.notifier != nil {
			m.notifier.NotifyMemChange()
		}
	} else {
		m.pool.Free(b.Offset, b.AllocSize)
	}
	return n
}

// popFreeListHead removes and returns the oldest (head) free-list
// entry, or nil if the list is empty.
func (m *Manager) popFreeListHead() *memblock.Block {
	if len(m.freeList) == 0 {
		return nil
	}
	b := m.freeList[0]
	m.freeList = m.freeList[1:]
	return b
}

// removeFromFreeList deletes b from the free list wherever it sits
// (used when a cache hit repurposes a still-free tagged block).
func (m *Manager) removeFromFreeList(b *memblock.Block) {
	for i, fb := range m.freeList {
		if fb == b {
			m.freeList = append(m.freeList[:i], m.freeList[i+1:]...)
			return
		}
	}
}

// GetOldestFreeBlock returns a block of at least size bytes (rounded
// up to alignment), preferring a fresh pool allocation; failing that,
// it evicts from the head of the MRU free list until a matching-size
// block appears, untagging and freeing mismatched ones as it goes.
// Returns nil if neither path succeeds, after telling the notifier
// that callers must wait for memory to free up.
func (m *Manager) GetOldestFreeBlock(size, alignment uint32) *memblock.Block {
	rounded := roundUp(size, alignment)

	for {
		if offset, ok := m.pool.Alloc(rounded); ok {
			m.nextBlockID++
			b := memblock.New(m.nextBlockID, offset, rounded)
			b.SetRefCount(1)
			return b
		}

		head := m.popFreeListHead()
		if head == nil {
			if m.notifier != nil {
				m.notifier.NotifyMemIdle()
			}
			return nil
		}
		if head.AllocSize != rounded {
			if head.Tagged() {
				m.untagLocked(head)
			}
			m.pool.Free(head.Offset, head.AllocSize)
			continue
		}
		head.SetRefCount(1)
		return head
	}
}

// less implements the three-key sort order: fileID ascending, position
// descending, block offset ascending.
func less(a, b entry) bool {
	if a.fileID != b.fileID {
		return a.fileID < b.fileID
	}
	if a.position != b.position {
		return a.position > b.position // descending
	}
	return a.block.Offset < b.block.Offset
}

// searchPosition finds the insertion point for (fileID, position)
// using only the first two keys (direct hit candidate), i.e. the
// first index whose entry is not "less than" the search key by keys
// 1 and 2.
func (m *Manager) searchPosition(fileID, position uint64) int {
	return sort.Search(len(m.index), func(i int) bool {
		e := m.index[i]
		if e.fileID != fileID {
			return e.fileID >= fileID
		}
		return e.position <= position
	})
}

// GetCachedBlock looks up a cached block covering [position, position+minSize)
// for fileID, honoring alignment and EOF-size rules (spec.md §4.2).
// On a match the block is popped from the free list (if present) and
// ref'd; io/offset describe the usable window.
func (m *Manager) GetCachedBlock(fileID, position uint64, minSize, alignment uint32, eof bool, requestedSize uint32) (b *memblock.Block, offsetInBlock uint32, ioSize uint32, ok bool) {
	if !m.membership.Test(fileIDKey(fileID)) {
		return nil, 0, 0, false
	}

	idx := m.searchPosition(fileID, position)

	candidates := []int{}
	if idx < len(m.index) {
		candidates = append(candidates, idx)
	}
	if idx > 0 {
		candidates = append(candidates, idx-1)
	}
	if idx+1 < len(m.index) {
		candidates = append(candidates, idx+1)
	}

	for _, i := range candidates {
		e := m.index[i]
		if e.fileID != fileID {
			continue
		}
		blk := e.block
		if !(position >= blk.Position && position <= blk.Position+uint64(blk.AvailableSize)-uint64(minSize)) {
			continue
		}
		off := uint32(position - blk.Position)
		addr := blk.Offset + off
		if alignment != 0 && addr%alignment != 0 {
			continue
		}
		effSize := blk.AvailableSize - off
		if effSize > requestedSize {
			effSize = requestedSize
		}
		if alignment != 0 && effSize%alignment != 0 && !(eof && effSize == requestedSize) {
			continue
		}

		if blk.RefCount() == 0 {
			m.removeFromFreeList(blk)
		}
		blk.Ref()
		return blk, off, effSize, true
	}
	return nil, 0, 0, false
}

func fileIDKey(fileID uint64) []byte {
	return []byte{
		byte(fileID), byte(fileID >> 8), byte(fileID >> 16), byte(fileID >> 24),
		byte(fileID >> 32), byte(fileID >> 40), byte(fileID >> 48), byte(fileID >> 56),
	}
}

// TagBlock gives block a cache identity and inserts (or moves) it
// within the sorted index. A block already present (e.g. a free-list
// entry being repurposed) is relocated in place rather than
// resorted from scratch.
//
// tr is the transfer writing into block, matching the original's
// tag_block(block, transfer, file_id, position, data_size) (spec.md
// §4.2): the block is marked busy for tr's lifetime (spec.md §3's
// invariant "transfer non-null ⇒ block busy") so a concurrent cache
// hit on it attaches as an observer instead of reading not-yet-valid
// data. Pass nil when tagging a block that isn't the target of any
// transfer (e.g. a test harness pre-seeding the cache).
func (m *Manager) TagBlock(b *memblock.Block, tr *transfer.Transfer, fileID, position uint64, dataSize uint32) {
	if b.Tagged() {
		m.removeFromIndex(b)
	}
	b.Tag(fileID, position, dataSize)
	m.insertIndex(entry{fileID: fileID, position: position, block: b})
	m.membership.Add(fileIDKey(fileID))
	if tr != nil {
		b.SetBusy(memblock.TransferID(tr.ID))
		m.transfers[b.ID] = tr
	} else {
		b.SetIdle()
	}
}

// TransferFor reports the transfer currently writing into b, if any.
// Used by a cache hit on a busy block (spec.md §4.5) to find the
// transfer to attach as an observer to.
func (m *Manager) TransferFor(b *memblock.Block) (*transfer.Transfer, bool) {
	tr, ok := m.transfers[b.ID]
	return tr, ok
}

// CompleteTransfer clears a block's busy state once tr has settled
// (spec.md §4.9 completion dispatch: "clears the block's transfer
// pointer"). On failure the block is also untagged, since data a
// failed transfer left behind must never be served from the cache
// again (spec.md §7).
func (m *Manager) CompleteTransfer(tr *transfer.Transfer, failed bool) {
	b := tr.Block
	if b == nil {
		return
	}
	b.SetIdle()
	delete(m.transfers, b.ID)
	if failed && b.Tagged() {
		m.untagLocked(b)
	}
}

func (m *Manager) insertIndex(e entry) {
	i := sort.Search(len(m.index), func(i int) bool { return !less(m.index[i], e) })
	m.index = append(m.index, entry{})
	copy(m.index[i+1:], m.index[i:])
	m.index[i] = e
}

// removeFromIndex finds b by all three keys (binary search on the
// first two, then a linear scan among position ties for the exact
// block, matching the original's "third key disambiguates" approach)
// and removes it.
func (m *Manager) removeFromIndex(b *memblock.Block) {
	idx := m.searchPosition(b.FileID, b.Position)
	for i := idx; i < len(m.index); i++ {
		e := m.index[i]
		if e.fileID != b.FileID || e.position != b.Position {
			break
		}
		if e.block == b {
			m.index = append(m.index[:i], m.index[i+1:]...)
			return
		}
	}
	for i := idx - 1; i >= 0; i-- {
		e := m.index[i]
		if e.fileID != b.FileID || e.position != b.Position {
			break
		}
		if e.block == b {
			m.index = append(m.index[:i], m.index[i+1:]...)
			return
		}
	}
}

// UntagBlock removes a block's cache identity and erases it from the
// index.
func (m *Manager) UntagBlock(b *memblock.Block) {
	m.untagLocked(b)
}

func (m *Manager) untagLocked(b *memblock.Block) {
	if !b.Tagged() {
		return
	}
	m.removeFromIndex(b)
	m.removeFromFreeList(b)
	b.Untag()
}

// FlushCache empties the free list and untags every block in the
// index, freeing any whose refcount is already zero.
func (m *Manager) FlushCache() {
	m.freeList = nil
	blocks := make([]*memblock.Block, len(m.index))
	for i, e := range m.index {
		blocks[i] = e.block
	}
	m.index = nil
	m.membership = bloom.NewWithEstimates(4096, 0.01)
	for _, b := range blocks {
		b.Untag()
		if b.RefCount() == 0 {
			m.pool.Free(b.Offset, b.AllocSize)
		}
	}
}

// CloneTemp creates a transient block record aliasing base's data
// pointer with independent Position/AvailableSize. The clone is never
// placed in the index or on the free list; it exists only to let a
// second low-level transfer target a region whose primary block is
// still busy with an earlier one (standard-stream pipelining on a
// deferred device).
func (m *Manager) CloneTemp(base *memblock.Block, position uint64, availableSize uint32) *memblock.Block {
	m.nextBlockID++
	temp := memblock.New(m.nextBlockID, base.Offset, base.AllocSize)
	temp.Position = position
	temp.AvailableSize = availableSize
	temp.SetRefCount(1)
	return temp
}

// DestroyTemp releases a clone created by CloneTemp. It never touches
// the index or free list since the clone was never linked into
// either.
func (m *Manager) DestroyTemp(temp *memblock.Block) {
	// The clone doesn't own pool storage independently of base, so
	// there is nothing to free back to the pool; it simply stops
	// being referenced.
	_ = temp
}

// HasFreeCapacity reports whether a request of this size could be
// satisfied right now: the pool's largest free block is at least size,
// or the free list holds any block at all (its size is not compared
// with the request) (spec.md §4.7's memory-
// exhaustion check, consulted by the scheduler before considering a
// non-standard stream).
func (m *Manager) HasFreeCapacity(size uint32) bool {
	snap := m.pool.Snapshot()
	if snap.MaxFreeBlock >= size {
		return true
	}
	return len(m.freeList) > 0
}

// IndexLen reports the number of tagged blocks (test/profiling use).
func (m *Manager) IndexLen() int { return len(m.index) }

// CheckSorted reports whether the index currently satisfies the
// three-key sort invariant (spec.md §8 property 3); exported (not
// gated behind the debug tag) because it's cheap and a natural fuzz
// target per DESIGN NOTES.
func (m *Manager) CheckSorted() bool {
	for i := 1; i < len(m.index); i++ {
		if less(m.index[i], m.index[i-1]) {
			return false
		}
	}
	return true
}
