package stream

import (
	"github.com/openaudio/streammgr/pkg/memblock"
	"github.com/openaudio/streammgr/pkg/transfer"
)

// MemoryManager is the subset of iomem.Manager a stream needs to
// acquire and release memory; declared here (rather than imported
// directly) so streams can be unit-tested against a fake without
// pulling in the bloom filter and pool-allocator machinery. Reading a
// view's actual bytes goes through the poolData closure callers pass
// separately (pkg/device owns the pool), not through this interface.
type MemoryManager interface {
	GetOldestFreeBlock(size, alignment uint32) *memblock.Block
	GetCachedBlock(fileID, position uint64, minSize, alignment uint32, eof bool, requestedSize uint32) (*memblock.Block, uint32, uint32, bool)
	TagBlock(b *memblock.Block, tr *transfer.Transfer, fileID, position uint64, dataSize uint32)
	ReleaseBlock(b *memblock.Block) int32
	UntagBlock(b *memblock.Block)
	CloneTemp(base *memblock.Block, position uint64, availableSize uint32) *memblock.Block
	DestroyTemp(temp *memblock.Block)
	TransferFor(b *memblock.Block) (*transfer.Transfer, bool)
	CompleteTransfer(tr *transfer.Transfer, failed bool)
}
