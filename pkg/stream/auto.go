package stream

import (
	"sync"
	"time"

	"github.com/openaudio/streammgr/pkg/llio"
	"github.com/openaudio/streammgr/pkg/memblock"
	"github.com/openaudio/streammgr/pkg/streamerr"
	"github.com/openaudio/streammgr/pkg/transfer"
)

// GetBufferResult classifies a GetBuffer call's outcome (spec.md §4.5).
type GetBufferResult int

const (
	DataReady GetBufferResult = iota
	NoDataReady
	NoMoreData
	BufferFail
)

// SetPositionMethod selects how SetPosition interprets offset.
type SetPositionMethod int

const (
	PositionAbsolute SetPositionMethod = iota
	PositionFromCurrent
	PositionFromEnd
)

// autoState is the automatic-stream sub-state, live iff Kind.IsAuto().
// A caching stream (spec.md §4.6) is an autoState with IsCaching set.
type autoState struct {
	bufferList   []*memblock.View
	nextToGrant  int
	pendingTransfers   []*transfer.Transfer
	cancelledTransfers []*transfer.Transfer

	nextExpectedUserPosition uint64
	virtualBufferingSize     uint32
	nominalBuffering         uint32

	loopStart, loopEnd uint64

	throughputBytesPerMs float64

	heuristics llio.Heuristics

	lastTransferAt time.Time

	// IsCaching marks this as a caching-stream specialization: fixed
	// nominal buffering, scheduled only after normal-stream demand is
	// satisfied, subject to a global pinned-bytes budget (spec.md §4.6).
	IsCaching bool
	PinnedAt  time.Time

	// mem/deviceLock let a released view's block be properly handed
	// back to the IO memory manager (tagged block -> MRU free list,
	// spec.md §4.2 release_block) instead of merely decrementing a
	// refcount nobody acts on. deviceLock is acquired around the
	// mem call only, nested inside the already-held status lock, per
	// spec.md §5's "status lock before device lock" ordering. Both
	// are nil in unit tests that exercise buffer-list bookkeeping
	// without a real memory manager.
	mem        MemoryManager
	deviceLock sync.Locker
	// alignment mirrors the device's IO memory alignment, needed by
	// executeCachedTransferLocked's synchronous cache pull so it checks
	// the same alignment the scheduler's PrepareAutoTransfer pass does.
	alignment uint32

	notify func()
}

// NewAuto creates an automatic stream with the given nominal buffering
// target (throughput_bytes_per_ms * target_buffer_length_ms, per
// spec.md §4.5).
func NewAuto(kind Kind, fileID uint64, priority int8, deadline float32, granularity, llBlockSize uint32, fileSize uint64, nominalBuffering uint32, throughputBytesPerMs float64, pool *transfer.Pool, notify func()) *Stream {
	s := newStream(kind, fileID, priority, deadline, granularity, llBlockSize, fileSize, pool)
	s.auto = &autoState{nominalBuffering: nominalBuffering, throughputBytesPerMs: throughputBytesPerMs, notify: notify}
	return s
}

// NewCaching creates a caching stream: an automatic stream whose
// nominal buffering is the alignment-rounded pin size, floored at
// 2048 bytes (spec.md §4.6).
func NewCaching(kind Kind, fileID uint64, priority int8, prefetchBytes, alignment uint32, fileSize uint64, pool *transfer.Pool, notify func()) *Stream {
	nominal := roundUpAlign(prefetchBytes, alignment)
	if nominal < 2048 {
		nominal = 2048
	}
	s := newStream(kind, fileID, priority, 0, alignment, alignment, fileSize, pool)
	s.auto = &autoState{nominalBuffering: nominal, IsCaching: true, PinnedAt: time.Now(), notify: notify}
	return s
}

// SetMemoryManager binds the IO memory manager (and the device lock
// guarding it) so released buffer-list views return their blocks to
// the manager's free list instead of leaking out of its accounting
// (spec.md §4.2 release_block). alignment is the device's IO memory
// alignment, used by executeCachedTransferLocked's synchronous cache
// pull so it matches the alignment the scheduler's PrepareAutoTransfer
// pass checks. Only meaningful for automatic/caching streams; a no-op
// on a standard stream, whose views wrap a synthetic client buffer the
// manager never owns.
func (s *Stream) SetMemoryManager(mem MemoryManager, deviceLock sync.Locker, alignment uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto == nil {
		return
	}
	s.auto.mem = mem
	s.auto.deviceLock = deviceLock
	s.auto.alignment = alignment
}

// releaseAutoViewLocked returns v's block to the memory manager
// (refcount decrement; free-list insertion at zero) under the device
// lock, or falls back to a bare unref when no manager is bound (unit
// tests exercising bookkeeping in isolation).
func (s *Stream) releaseAutoViewLocked(v *memblock.View) {
	a := s.auto
	if v.Block == nil {
		return
	}
	if a.mem == nil {
		v.Release()
		return
	}
	blk := v.Block
	v.Block = nil
	if a.deviceLock != nil {
		a.deviceLock.Lock()
		defer a.deviceLock.Unlock()
	}
	a.mem.ReleaseBlock(blk)
}

func roundUpAlign(size, alignment uint32) uint32 {
	if alignment == 0 {
		return size
	}
	if rem := size % alignment; rem != 0 {
		return size + (alignment - rem)
	}
	return size
}

func (a *autoState) effectiveDeadlineLocked() float64 {
	if a.virtualBufferingSize == 0 || a.throughputBytesPerMs <= 0 {
		return 0
	}
	return float64(a.virtualBufferingSize) / a.throughputBytesPerMs
}

func (s *Stream) needsBufferingLocked() bool {
	return s.auto.virtualBufferingSize < s.auto.nominalBuffering
}

// IsCaching reports whether this is a caching-stream specialization.
func (s *Stream) IsCaching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto.IsCaching
}

// PinnedAt returns the time this caching stream began pinning, used
// by the scheduler's eviction tie-break (oldest pinned loses first).
func (s *Stream) PinnedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto.PinnedAt
}

// PinnedBytes reports the bytes this caching stream currently holds
// against the global cache-pin budget.
func (s *Stream) PinnedBytes() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto.virtualBufferingSize
}

// StopCaching evicts this caching stream: releases every buffered
// view and marks it to-be-destroyed, matching the eviction action
// spec.md §4.6 describes for budget enforcement.
func (s *Stream) StopCaching() {
	s.Destroy()
}

// NeedsBuffering reports the scheduler's buffering-demand signal.
func (s *Stream) NeedsBuffering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsBufferingLocked()
}

// VirtualBufferingSize exposes the current scheduled-or-ready byte
// count (glossary: virtual buffering).
func (s *Stream) VirtualBufferingSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto.virtualBufferingSize
}

// GetBuffer returns the first ungranted ready view's data, or a code
// explaining why none is available (spec.md §4.5).
func (s *Stream) GetBuffer(wait bool, poolData func(offset, size uint32) []byte) ([]byte, GetBufferResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	triedCachePull := false
	for {
		if a := s.auto; a.nextToGrant < len(a.bufferList) {
			v := a.bufferList[a.nextToGrant]
			if v.Status == memblock.Ready {
				a.nextToGrant++
				a.nextExpectedUserPosition = v.End()
				a.virtualBufferingSize -= effectiveSize(v, a.loopEnd)
				data := v.Data(poolData)
				if a.nextExpectedUserPosition >= s.FileSize && a.loopEnd == 0 {
					// The buffer just granted reaches EOF (non-looping):
					// this call carries NoMoreData itself rather than
					// DataReady followed by a later NoMoreData (spec.md
					// §4.5, AkDeviceBase.cpp's GetBuffer).
					return data, NoMoreData
				}
				return data, DataReady
			}
		}
		if s.Status == Error {
			return nil, BufferFail
		}
		atEOF := s.auto.nextExpectedUserPosition >= s.FileSize && s.auto.loopEnd == 0
		if atEOF && s.auto.nextToGrant >= len(s.auto.bufferList) {
			return nil, NoMoreData
		}
		if !wait {
			return nil, NoDataReady
		}
		if !triedCachePull {
			triedCachePull = true
			if s.executeCachedTransferLocked() {
				continue // re-check: the pull just appended a Ready view
			}
		}
		s.blocked = true
		s.cond.Wait()
	}
}

// effectiveSize is a view's contribution to virtual buffering: its
// full size, except when it straddles loop-end, in which case only
// the portion up to loop-end counts (spec.md §4.5).
func effectiveSize(v *memblock.View, loopEnd uint64) uint32 {
	if loopEnd == 0 || v.End() <= loopEnd {
		return v.Size
	}
	if v.Start() >= loopEnd {
		return 0
	}
	return uint32(loopEnd - v.Start())
}

// ReleaseBuffer drops the oldest granted view, matching spec.md §4.5's
// release_buffer.
func (s *Stream) ReleaseBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.auto
	if a.nextToGrant == 0 {
		return streamerr.Invalid("stream", "no granted buffer")
	}
	v := a.bufferList[0]
	a.bufferList = a.bufferList[1:]
	a.nextToGrant--
	s.releaseAutoViewLocked(v)
	return nil
}

// SetHeuristics updates priority/deadline/loop bounds, discarding any
// buffered or in-flight view whose position no longer matches the
// rolling expected sequence when loop bounds change (spec.md §4.5).
func (s *Stream) SetHeuristics(h llio.Heuristics, loopStart, loopEnd uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.auto
	loopChanged := a.loopStart != loopStart || a.loopEnd != loopEnd
	a.heuristics = h
	a.loopStart, a.loopEnd = loopStart, loopEnd
	if !loopChanged {
		return
	}

	expected := a.nextExpectedUserPosition
	kept := a.bufferList[:a.nextToGrant]
	a.virtualBufferingSize = 0
	for _, v := range kept {
		a.virtualBufferingSize += effectiveSize(v, loopEnd)
	}
	for _, v := range a.bufferList[a.nextToGrant:] {
		if v.Start() != expected {
			s.releaseAutoViewLocked(v)
			continue
		}
		kept = append(kept, v)
		expected = v.End()
		if loopEnd > 0 && expected >= loopEnd {
			expected = loopStart
		}
		a.virtualBufferingSize += effectiveSize(v, loopEnd)
	}
	a.bufferList = kept
}

// flushLocked discards every ungranted view and cancels every pending
// transfer (the shared body of destroy and set_position).
func (s *Stream) flushLocked() {
	a := s.auto
	for _, v := range a.bufferList[a.nextToGrant:] {
		s.releaseAutoViewLocked(v)
	}
	a.bufferList = a.bufferList[:a.nextToGrant]
	a.cancelledTransfers = append(a.cancelledTransfers, a.pendingTransfers...)
	a.pendingTransfers = nil
	a.virtualBufferingSize = 0
	for _, v := range a.bufferList {
		a.virtualBufferingSize += effectiveSize(v, a.loopEnd)
	}
}

// SetPosition snaps offset to low-level block size and either keeps
// the buffer list (position matches the first ungranted view) or
// flushes everything (spec.md §4.5).
func (s *Stream) SetPosition(offset uint64, method SetPositionMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs := offset
	switch method {
	case PositionFromCurrent:
		abs = s.auto.nextExpectedUserPosition + offset
	case PositionFromEnd:
		abs = s.FileSize - offset
	}
	if rem := abs % uint64(s.LowLevelBlockSize); rem != 0 {
		abs -= rem
	}

	a := s.auto
	if a.nextToGrant < len(a.bufferList) && a.bufferList[a.nextToGrant].Start() == abs {
		return
	}
	s.flushLocked()
	a.nextExpectedUserPosition = abs
}

// GetVirtualFilePosition computes the position the next transfer
// should target (spec.md §4.5), applying loop wrap.
func (s *Stream) GetVirtualFilePosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.virtualFilePositionLocked()
}

func (s *Stream) virtualFilePositionLocked() uint64 {
	a := s.auto
	var pos uint64
	if n := len(a.pendingTransfers); n > 0 {
		last := a.pendingTransfers[n-1]
		pos = last.Info.FilePosition + uint64(last.Info.RequestedSize)
	} else if n := len(a.bufferList); n > 0 {
		pos = a.bufferList[n-1].End()
	} else {
		pos = a.nextExpectedUserPosition
	}
	if a.loopEnd > 0 && pos >= a.loopEnd {
		pos = a.loopStart
	}
	return pos
}

// cacheHitLocked asks mem for a cached block covering [pos, pos+size)
// and, on a hit, appends the resulting view to bufferList. When the
// block is still busy (a transfer is writing into it), the view
// attaches as an additional observer on that transfer instead of
// being granted prematurely (spec.md §4.5): tr reports that owning
// transfer so the caller can route completion dispatch through it
// rather than treating the hit as already resolved.
func (s *Stream) cacheHitLocked(mem MemoryManager, pos uint64, size, alignment uint32, eof bool) (v *memblock.View, tr *transfer.Transfer, ok bool) {
	a := s.auto
	blk, off, ioSize, hit := mem.GetCachedBlock(s.FileID, pos, 1, alignment, eof, size)
	if !hit {
		return nil, nil, false
	}
	status := memblock.Ready
	if blk.Busy() {
		status = memblock.Pending
		if owning, found := mem.TransferFor(blk); found {
			tr = owning
		}
	}
	view := memblock.Attach(blk, off, ioSize, status)
	if tr != nil {
		tr.AddObserver(view)
		view.SetOnSettle(func(result llio.Result) { s.settleObserverView(view, result) })
	}
	a.bufferList = append(a.bufferList, view)
	a.virtualBufferingSize += effectiveSize(view, a.loopEnd)
	return view, tr, true
}

// settleObserverView applies a transfer's completion to a view this
// stream holds purely as an observer — attached in cacheHitLocked when
// a cache hit landed on a block some other stream's transfer was still
// writing into (spec.md §4.5/§4.9). It promotes the view the same way
// UpdateAuto promotes the issuing stream's own view, without touching
// pendingTransfers bookkeeping that belongs to the transfer's owner.
func (s *Stream) settleObserverView(v *memblock.View, result llio.Result) {
	s.mu.Lock()
	switch result {
	case llio.Success:
		v.Status = memblock.Completed
		s.promoteReadyLocked()
	case llio.Fail:
		v.Status = memblock.Cancelled
		s.Status = Error
	default:
		v.Status = memblock.Cancelled
	}
	wasBlocked := s.blocked
	s.blocked = false
	notify := s.auto.notify
	s.mu.Unlock()

	if wasBlocked {
		s.cond.Broadcast()
	}
	if notify != nil {
		notify()
	}
}

// wakeBlockedLocked broadcasts the stream's completion condvar if a
// client is parked in GetBuffer(wait=true). Update/UpdateAuto are the
// usual broadcast sites, but a pure cache hit resolves a view to Ready
// synchronously, without ever routing through either of them, so any
// caller that appends a Ready view directly must wake blocked waiters
// itself or risk a missed wakeup (spec.md §4.5 S2).
func (s *Stream) wakeBlockedLocked() {
	if s.blocked {
		s.blocked = false
		s.cond.Broadcast()
	}
}

// executeCachedTransferLocked implements spec.md §4.5's
// execute_cached_transfer: a synchronous cache pull for the stream's
// next virtual file position, tried once by GetBuffer(wait=true)
// before it blocks (AkDeviceBase.cpp's
// CAkAutoStmBase::GetBufferOrReserveCacheBlock, "HAS TO BE called").
// Unlike cacheHitLocked (used by the scheduler's PrepareAutoTransfer
// pass, which can legitimately attach to a busy block as an observer),
// a hit on a block that's still busy is released again and left alone
// here: nothing on the client thread's call stack would ever promote
// that view to Ready, so committing it to bufferList would park a
// view the stream can never grant. Only a non-busy hit is resolved
// synchronously; a miss, or a busy hit, falls through to the
// scheduler's next pass.
func (s *Stream) executeCachedTransferLocked() bool {
	a := s.auto
	if a.mem == nil {
		return false
	}
	pos := s.virtualFilePositionLocked()
	size := s.GranularityBytes
	eof := false
	if pos+uint64(size) > s.FileSize {
		size = uint32(s.FileSize - pos)
		eof = true
	}
	if size == 0 {
		return false
	}

	if a.deviceLock != nil {
		a.deviceLock.Lock()
		defer a.deviceLock.Unlock()
	}
	blk, off, ioSize, hit := a.mem.GetCachedBlock(s.FileID, pos, 1, a.alignment, eof, size)
	if !hit {
		return false
	}
	if blk.Busy() {
		a.mem.ReleaseBlock(blk)
		return false
	}
	v := memblock.Attach(blk, off, ioSize, memblock.Ready)
	a.bufferList = append(a.bufferList, v)
	a.virtualBufferingSize += effectiveSize(v, a.loopEnd)
	return true
}

// PrepareAutoTransfer asks the memory manager for a cached
// block covering the next virtual file position, or allocates a fresh
// one; on a cache hit with no in-flight owner the view is immediately
// Ready, on a cache hit mid-transfer it attaches as an observer
// (spec.md §4.5).
func (s *Stream) PrepareAutoTransfer(mem MemoryManager, bufferSize, alignment uint32) (*PreparedTransfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.auto
	pos := s.virtualFilePositionLocked()
	size := bufferSize
	eof := false
	if pos+uint64(size) > s.FileSize {
		size = uint32(s.FileSize - pos)
		eof = true
	}
	if size == 0 {
		return nil, false
	}

	if v, tr, hit := s.cacheHitLocked(mem, pos, size, alignment, eof); hit {
		if tr == nil {
			s.wakeBlockedLocked()
			return nil, false
		}
		return &PreparedTransfer{View: v, Transfer: tr, Shared: true}, true
	}

	blk := mem.GetOldestFreeBlock(size, alignment)
	if blk == nil {
		return nil, false
	}

	v := memblock.Attach(blk, 0, size, memblock.Pending)
	tr := s.Pool.New(blk, false, llio.TransferInfo{FilePosition: pos, BufferSize: size, RequestedSize: size})
	tr.AddObserver(v)
	mem.TagBlock(blk, tr, s.FileID, pos, size)
	a.bufferList = append(a.bufferList, v)
	a.pendingTransfers = append(a.pendingTransfers, tr)
	a.virtualBufferingSize += effectiveSize(v, a.loopEnd)
	a.lastTransferAt = time.Now()

	return &PreparedTransfer{View: v, Transfer: tr}, true
}

// UpdateAuto applies a completed automatic-stream transfer's result,
// promoting its view to Ready (or Error/Cancelled) and, for a
// deferred device, only promoting out-of-order completions once their
// predecessors have also settled (spec.md §5 ordering guarantees). Any
// other stream that attached to tr as an observer during a cache hit
// on the block while it was busy (spec.md §4.5) is settled too, via
// its own registered callback, after tr's bookkeeping here is done
// (spec.md §4.9 completion dispatch).
func (s *Stream) UpdateAuto(v *memblock.View, tr *transfer.Transfer, result llio.Result) {
	s.mu.Lock()
	a := s.auto
	if tr != nil {
		for i, p := range a.pendingTransfers {
			if p == tr {
				a.pendingTransfers = append(a.pendingTransfers[:i], a.pendingTransfers[i+1:]...)
				break
			}
		}
		for i, p := range a.cancelledTransfers {
			if p == tr {
				a.cancelledTransfers = append(a.cancelledTransfers[:i], a.cancelledTransfers[i+1:]...)
				break
			}
		}
	}

	switch result {
	case llio.Success:
		v.Status = memblock.Completed
		s.promoteReadyLocked()
	case llio.Fail:
		v.Status = memblock.Cancelled
		s.Status = Error
	default:
		v.Status = memblock.Cancelled
	}

	wasBlocked := s.blocked
	s.blocked = false
	notify := a.notify
	mem := a.mem
	deviceLock := a.deviceLock
	var observers *memblock.View
	if tr != nil {
		observers = tr.ClearObservers()
	}
	s.mu.Unlock()

	if wasBlocked {
		s.cond.Broadcast()
	}
	if notify != nil {
		notify()
	}

	for o := observers; o != nil; {
		next := o.ObserverNext()
		o.SetObserverNext(nil)
		if o != v {
			o.Settle(result)
		}
		o = next
	}

	if mem != nil && tr != nil {
		if deviceLock != nil {
			deviceLock.Lock()
		}
		mem.CompleteTransfer(tr, result == llio.Fail)
		if deviceLock != nil {
			deviceLock.Unlock()
		}
	}
}

// promoteReadyLocked walks the buffer list from the first ungranted
// entry, flipping Completed views to Ready only while every view
// before it is already Ready, preserving client-visible ordering
// across the deferred device's out-of-order completions.
func (s *Stream) promoteReadyLocked() {
	a := s.auto
	for i := a.nextToGrant; i < len(a.bufferList); i++ {
		v := a.bufferList[i]
		if v.Status == memblock.Completed {
			v.Status = memblock.Ready
			continue
		}
		if v.Status != memblock.Ready {
			break
		}
	}
}
