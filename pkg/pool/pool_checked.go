//go:build streammgr_debug

package pool

// CheckPool walks every free list and asserts the invariants the
// original guards behind AK_CHECK_POOL: free bytes never exceed the
// pool size, every free address is aligned to its level's block size,
// and no two adjacent free-list entries are unmerged buddies at the
// level above.
func (p *Pool) CheckPool() {
	var totalFree uint32
	for lvl := uint32(0); lvl < p.numLevels; lvl++ {
		blockSize := p.blockSizeForLevel(lvl)
		var prev uint32 = noFree
		for cur := p.freeLists[lvl]; cur != noFree; {
			if cur%blockSize != 0 {
				panic("pool: free block misaligned for its level")
			}
			if prev != noFree {
				if prev >= cur {
					panic("pool: free list not in ascending address order")
				}
				if lvl < p.largestLevel() && prev%p.blockSizeForLevel(lvl+1) == 0 && p.blocksAdjacent(prev, cur, lvl) {
					panic("pool: adjacent buddies left uncoalesced")
				}
			}
			totalFree += blockSize
			prev = cur
			_, cur = p.readNode(cur)
		}
	}
	if totalFree > p.poolSize {
		panic("pool: free bytes exceed pool size")
	}
	if p.used < 0 || uint32(p.used)+totalFree > p.poolSize {
		panic("pool: used + free bytes inconsistent with pool size")
	}
}
