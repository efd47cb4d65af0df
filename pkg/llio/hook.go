// Package llio defines the low-level hook contract a storage backend
// implements (spec.md §4.3, §6). The core never opens files or issues
// raw reads itself; it only calls through these interfaces.
package llio

import "context"

// Heuristics is forwarded to the backend on every read/write so it can
// make scheduling decisions of its own (e.g. reordering at the device
// driver level).
type Heuristics struct {
	Priority    int8
	DeadlineSec float32
}

// TransferInfo describes one in-flight request. A deferred hook reports
// its completion through the CompletionFunc passed alongside it to
// ReadAsync/WriteAsync.
type TransferInfo struct {
	FilePosition   uint64
	BufferSize     uint32
	RequestedSize  uint32
	TransferredSize uint32
	UserData       interface{}
}

// Descriptor is an opaque backend handle, created by Open.
type Descriptor interface{}

// Result classifies a hook call's outcome.
type Result int

const (
	Success Result = iota
	Fail
	NotFound
)

// CompletionFunc is invoked by a DeferredHook when a read/write it
// issued finishes, from whatever thread the backend chooses.
type CompletionFunc func(info *TransferInfo, result Result)

// BlockingHook is the "one in-flight request, executed synchronously
// on the I/O thread" backend variant.
type BlockingHook interface {
	Open(ctx context.Context, nameOrID string, mode, flags int) (desc Descriptor, sync bool, result Result)
	Close(desc Descriptor)
	Read(desc Descriptor, h Heuristics, buffer []byte, info *TransferInfo) Result
	Write(desc Descriptor, h Heuristics, buffer []byte, info *TransferInfo) Result
	GetBlockSize(desc Descriptor) uint32
}

// DeferredHook additionally supports up to N concurrent asynchronous
// requests with completion callbacks, plus cancellation.
type DeferredHook interface {
	Open(ctx context.Context, nameOrID string, mode, flags int) (desc Descriptor, sync bool, result Result)
	Close(desc Descriptor)
	ReadAsync(desc Descriptor, h Heuristics, buffer []byte, info *TransferInfo, cb CompletionFunc) Result
	WriteAsync(desc Descriptor, h Heuristics, buffer []byte, info *TransferInfo, cb CompletionFunc) Result
	// Cancel requests cancellation of a specific in-flight request.
	// allCancelled is a hint: true means the backend may cancel every
	// pending request on this descriptor (used only when the owning
	// stream is being destroyed).
	Cancel(desc Descriptor, info *TransferInfo, allCancelled bool)
	GetBlockSize(desc Descriptor) uint32
}

// ProfilingHook is an external collaborator (spec.md §1): the core
// calls it only where scheduler decisions depend on the result (e.g.
// the S2/S4 scenario assertions); it never owns the metrics backend.
type ProfilingHook interface {
	CacheHit(fileID uint64)
	CacheMiss(fileID uint64)
	MemoryExhausted(exhausted bool)
	SchedulerStarving(starving bool)
}

// NopProfiling is a ProfilingHook that does nothing; the default when
// no adapter (pkg/metrics) is wired in.
type NopProfiling struct{}

func (NopProfiling) CacheHit(uint64)          {}
func (NopProfiling) CacheMiss(uint64)         {}
func (NopProfiling) MemoryExhausted(bool)     {}
func (NopProfiling) SchedulerStarving(bool)   {}
