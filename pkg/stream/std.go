package stream

import (
	"sync"
	"time"

	"github.com/openaudio/streammgr/pkg/llio"
	"github.com/openaudio/streammgr/pkg/memblock"
	"github.com/openaudio/streammgr/pkg/streamerr"
	"github.com/openaudio/streammgr/pkg/transfer"
)

// stdState is the standard-stream sub-state, live iff Kind.IsStd().
type stdState struct {
	position uint64 // current file position, advanced after each completed op

	buffer             []byte
	isWrite            bool
	reqSize            uint32
	totalScheduledSize uint32
	bytesTransferred   uint32

	pendingTransfers int
	lastTransferAt   time.Time

	// live holds every transfer issued by PrepareTransfer that hasn't
	// yet settled, so Cancel can reach them for the view-initiated
	// cancel handshake (spec.md §4.9). A standard transfer always has
	// exactly one observer (PrepareTransfer never shares one across
	// views), so the handshake's "same task" condition is automatic
	// here.
	live []*transfer.Transfer

	// cancelRequested is set by Cancel (distinct from Destroy: it
	// doesn't mark the stream to-be-destroyed) so Update knows a
	// later-arriving successful completion must still resolve to
	// Cancelled rather than Completed (spec.md §4.4 update).
	cancelRequested bool

	notify func()
}

// NewStd creates a standard stream at file position 0.
func NewStd(kind Kind, fileID uint64, priority int8, deadline float32, granularity, llBlockSize uint32, fileSize uint64, pool *transfer.Pool, notify func()) *Stream {
	s := newStream(kind, fileID, priority, deadline, granularity, llBlockSize, fileSize, pool)
	s.std = &stdState{notify: notify}
	return s
}

func (s *stdState) effectiveDeadlineLocked(deadlineSec float32, opStart time.Time, granularity uint32) float64 {
	remaining := s.reqSize - s.totalScheduledSize
	if remaining == 0 {
		return 0
	}
	remainingTransfers := (remaining + granularity - 1) / granularity
	elapsed := time.Since(opStart).Seconds()
	remainingDeadline := float64(deadlineSec) - elapsed
	if remainingDeadline < 0 {
		remainingDeadline = 0
	}
	return remainingDeadline / float64(remainingTransfers)
}

// ExecuteOp validates and launches a read or write of reqSize bytes at
// the stream's current position into/from buffer (spec.md §4.4).
func (s *Stream) ExecuteOp(isWrite bool, buffer []byte, reqSize uint32, wait bool, priority int8, deadline float32) error {
	if !isWrite && reqSize%s.LowLevelBlockSize != 0 {
		return streamerr.Invalid("stream", "req_size")
	}
	if deadline < 0 {
		return streamerr.Invalid("stream", "deadline")
	}
	if reqSize > 0 && buffer == nil {
		return streamerr.Invalid("stream", "buffer")
	}

	s.mu.Lock()
	if !isWrite && s.std.position+uint64(reqSize) > s.FileSize {
		reqSize = uint32(s.FileSize - s.std.position)
	}
	if reqSize == 0 {
		s.Status = Completed
		s.mu.Unlock()
		return nil
	}

	s.std.buffer = buffer
	s.std.isWrite = isWrite
	s.std.reqSize = reqSize
	s.std.totalScheduledSize = 0
	s.std.bytesTransferred = 0
	s.Priority = priority
	s.DeadlineSec = deadline
	s.opStart = time.Now()
	s.Status = Pending
	notify := s.std.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}

	if !wait {
		return nil
	}

	s.mu.Lock()
	for s.Status == Pending || s.Status == Idle {
		s.blocked = true
		s.cond.Wait()
	}
	ok := s.Status == Completed
	s.mu.Unlock()
	if !ok {
		return streamerr.New("stream", streamerr.ErrFail, nil)
	}
	return nil
}

// PrepareTransfer slices the remaining request down to granularity,
// clamped to EOF on reads, and issues a low-level transfer against
// either the stream's own synthetic client-buffer block or (deferred
// device, primary block still busy) a cloned temp block, allowing
// consecutive slices of the same client buffer to pipeline.
func (s *Stream) PrepareTransfer(mem MemoryManager) (*PreparedTransfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.std
	remaining := st.reqSize - st.totalScheduledSize
	if remaining == 0 {
		return nil, false
	}

	size := remaining
	if size > s.GranularityBytes {
		size = s.GranularityBytes
	}
	offset := st.totalScheduledSize

	blk := memblock.New(0, 0, st.reqSize)
	blk.AvailableSize = st.reqSize
	blk.SetRefCount(1)
	if s.Kind.IsDeferred() && st.pendingTransfers > 0 {
		blk = mem.CloneTemp(blk, uint64(offset), size)
	}

	v := memblock.Attach(blk, offset, size, memblock.Pending)
	tr := s.Pool.New(blk, st.isWrite, llio.TransferInfo{
		FilePosition:  st.position + uint64(offset),
		BufferSize:    size,
		RequestedSize: size,
	})
	tr.AddObserver(v)

	st.live = append(st.live, tr)
	st.totalScheduledSize += size
	st.pendingTransfers++
	st.lastTransferAt = time.Now()
	if st.totalScheduledSize == st.reqSize {
		s.Status = Idle
	}

	return &PreparedTransfer{View: v, Transfer: tr, Write: st.isWrite}, true
}

// Update applies one completed (or failed/cancelled) transfer's result
// to the stream's bookkeeping (spec.md §4.4).
func (s *Stream) Update(v *memblock.View, result llio.Result, requiredLowLevel bool) {
	s.mu.Lock()
	st := s.std
	st.pendingTransfers--
	st.removeLiveLocked(v)

	switch {
	case result == llio.Success && !s.ToBeDestroyed && !st.cancelRequested:
		st.bytesTransferred += v.Size
		if st.bytesTransferred == st.reqSize {
			st.position += uint64(st.reqSize)
			s.Status = Completed
		}
	case result == llio.Fail:
		s.Status = Error
	default:
		s.Status = Cancelled
	}

	v.Release()

	wasBlocked := s.blocked
	if s.Status != Pending && s.Status != Idle {
		s.blocked = false
	}
	notify := st.notify
	s.mu.Unlock()

	if wasBlocked {
		s.cond.Broadcast()
	}
	if notify != nil {
		notify()
	}
}

// removeLiveLocked drops the transfer whose sole observer is v from
// st.live once it has settled.
func (st *stdState) removeLiveLocked(v *memblock.View) {
	for i, tr := range st.live {
		if tr.Observers() == v {
			st.live = append(st.live[:i], st.live[i+1:]...)
			return
		}
	}
}

// Cancel requests cancellation of the standard stream's in-flight
// operation and blocks until every transfer it issued has settled
// (spec.md §4.8/§5: "cancel on standard stream blocks the client
// until all in-flight transfers settle"). On a deferred device, any
// transfer still in flight is also handed the view-initiated cancel
// handshake of spec.md §4.9: a standard transfer always has exactly
// one observer belonging to this stream, so the handshake's "same
// task" condition is automatic and the cancel is always safe to issue
// immediately. hook/desc/mem may be nil (blocking device, or a stream
// with nothing in flight), in which case Cancel just waits for the
// natural completions already in progress. deviceLock is the caller's
// device lock; it is acquired narrowly around each mem.UntagBlock call
// since the I/O memory manager requires the device lock held for every
// access and s.mu (the status lock) is already held here (spec.md §5:
// status lock before device lock).
func (s *Stream) Cancel(mem MemoryManager, deviceLock sync.Locker, hook llio.DeferredHook, desc llio.Descriptor) {
	s.mu.Lock()
	if s.Status == Pending || s.Status == Idle {
		s.Status = Cancelled
		s.std.cancelRequested = true
		notify := s.std.notify
		if notify != nil {
			s.mu.Unlock()
			notify()
			s.mu.Lock()
		}
	}
	if hook != nil {
		for _, tr := range s.std.live {
			if v := tr.Observers(); v != nil {
				v.Status = memblock.Cancelled
			}
			if mem != nil && tr.Block.Tagged() {
				if deviceLock != nil {
					deviceLock.Lock()
				}
				mem.UntagBlock(tr.Block)
				if deviceLock != nil {
					deviceLock.Unlock()
				}
			}
			if !tr.MarkCancelCalled() {
				hook.Cancel(desc, &tr.Info, false)
			}
		}
	}
	for s.std.pendingTransfers > 0 {
		s.blocked = true
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// BufferSlice returns the portion of the caller-supplied ExecuteOp
// buffer that v covers. Standard streams transfer directly into/out
// of the client's own buffer rather than a pooled block (spec.md
// §4.4); v.Block only carries the view's (offset, size) bookkeeping.
func (s *Stream) BufferSlice(v *memblock.View) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.std.buffer[v.Offset : v.Offset+v.Size]
}

// BytesTransferred reports progress (spec.md §8 property 6).
func (s *Stream) BytesTransferred() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.std.bytesTransferred
}

// TotalScheduledSize reports the append-only scheduling cursor.
func (s *Stream) TotalScheduledSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.std.totalScheduledSize
}
