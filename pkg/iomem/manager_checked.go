//go:build streammgr_debug

package iomem

import "github.com/openaudio/streammgr/pkg/memblock"

// CheckCacheConsistency asserts the cache invariants in a checked build
// (SPEC_FULL §C, alongside pool.CheckPool under the same build tag).
// TagBlock/UntagBlock do not call it; a caller runs it explicitly. It
// checks that the index stays sorted, every indexed block is
// still tagged with the key it's filed under, the bloom filter never
// reports a false negative for a file actually present, and no block
// appears on the free list while still holding a live reference.
func (m *Manager) CheckCacheConsistency() {
	if !m.CheckSorted() {
		panic("iomem: index violates the three-key sort invariant")
	}

	for _, e := range m.index {
		if !e.block.Tagged() {
			panic("iomem: indexed block is not tagged")
		}
		if e.block.FileID != e.fileID || e.block.Position != e.position {
			panic("iomem: indexed block's tag disagrees with its index entry")
		}
		if !m.membership.Test(fileIDKey(e.fileID)) {
			panic("iomem: bloom filter false negative for an indexed file id")
		}
	}

	seen := make(map[*memblock.Block]bool, len(m.freeList))
	for _, b := range m.freeList {
		if seen[b] {
			panic("iomem: block appears twice in the free list")
		}
		seen[b] = true
		if b.RefCount() != 0 {
			panic("iomem: free-list block has a live reference")
		}
		if !b.Tagged() {
			panic("iomem: untagged block on the free list")
		}
	}
}
