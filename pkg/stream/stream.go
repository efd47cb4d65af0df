// Package stream implements the stream state machines of spec.md
// §4.4-§4.6: standard, automatic, and caching streams. Per DESIGN
// NOTES, the original's template+inheritance hierarchy
// (CAkStdStmBase/CAkAutoStmBase and their deferred variants) becomes a
// closed sum type: Kind selects which of the std/auto sub-state
// structs is live, with shared behavior (destroy, scheduling signals)
// implemented once on Stream itself.
package stream

import (
	"sync"
	"time"

	"github.com/openaudio/streammgr/pkg/llio"
	"github.com/openaudio/streammgr/pkg/memblock"
	"github.com/openaudio/streammgr/pkg/transfer"
)

// Kind is the fixed-at-creation stream variant, replacing the
// original's virtual dispatch on device/stream type (DESIGN NOTES).
type Kind int

const (
	StdBlocking Kind = iota
	StdDeferred
	AutoBlocking
	AutoDeferred
)

func (k Kind) IsStd() bool      { return k == StdBlocking || k == StdDeferred }
func (k Kind) IsAuto() bool     { return k == AutoBlocking || k == AutoDeferred }
func (k Kind) IsDeferred() bool { return k == StdDeferred || k == AutoDeferred }

// Status is the stream's lifecycle state (spec.md §4.4/§4.5).
type Status int

const (
	Idle Status = iota
	Pending
	Completed
	Cancelled
	Error
)

// Stream is one open std or auto stream. Exactly one of std/auto is
// non-nil, selected by Kind.
type Stream struct {
	Kind   Kind
	FileID uint64

	mu   sync.Mutex
	cond *sync.Cond

	Status        Status
	ToBeDestroyed bool
	blocked       bool

	Priority    int8
	DeadlineSec float32
	opStart     time.Time

	GranularityBytes  uint32
	LowLevelBlockSize uint32
	FileSize          uint64
	ioError           bool

	std  *stdState
	auto *autoState

	Pool *transfer.Pool
}

func newStream(kind Kind, fileID uint64, priority int8, deadline float32, granularity, llBlockSize uint32, fileSize uint64, pool *transfer.Pool) *Stream {
	s := &Stream{
		Kind:              kind,
		FileID:            fileID,
		Priority:          priority,
		DeadlineSec:       deadline,
		GranularityBytes:  granularity,
		LowLevelBlockSize: llBlockSize,
		FileSize:          fileSize,
		Pool:              pool,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Destroy marks the stream to-be-destroyed and, for a standard stream,
// immediately cancels it; callers must still wait for in-flight
// transfers to settle before the scheduler reaps it (spec.md §4.8).
func (s *Stream) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToBeDestroyed = true
	if s.Kind.IsStd() {
		s.Status = Cancelled
	} else {
		// Clearing nextToGrant folds already-granted views back into
		// virtual buffering bookkeeping: destroy no longer distinguishes
		// handed-out from pending-handout, it just wants every live view
		// released (spec.md §4.8).
		s.auto.nextToGrant = 0
		s.flushLocked()
	}
	s.cond.Broadcast()
}

// CanBeDestroyed reports whether the scheduler may reap this stream:
// every low-level transfer it issued has settled.
func (s *Stream) CanBeDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ToBeDestroyed {
		return false
	}
	if s.Kind.IsStd() {
		return s.std == nil || s.std.pendingTransfers == 0
	}
	return len(s.auto.pendingTransfers) == 0 && len(s.auto.cancelledTransfers) == 0
}

// ReadyForIO is the scheduler's signalled-eligibility check: for a
// standard stream, Pending with bytes remaining; for an automatic
// stream, needing more buffering.
func (s *Stream) ReadyForIO() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ToBeDestroyed || s.Status == Error {
		return false
	}
	if s.Kind.IsStd() {
		return s.Status == Pending && s.std.totalScheduledSize < s.std.reqSize
	}
	return s.needsBufferingLocked()
}

// EffectiveDeadline implements spec.md §4.4/§4.5's per-kind formula.
// A starving stream (no progress possible, or zero buffering) reports
// 0.
func (s *Stream) EffectiveDeadline() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Kind.IsStd() {
		return s.std.effectiveDeadlineLocked(s.DeadlineSec, s.opStart, s.GranularityBytes)
	}
	return s.auto.effectiveDeadlineLocked()
}

// SchedulingPriority exposes the stream's priority for the scheduler's
// tie-break rules (spec.md §4.7); a method rather than direct field
// access so *Stream satisfies scheduler.Task.
func (s *Stream) SchedulingPriority() int8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Priority
}

// IsStdKind reports whether this is a standard (not automatic)
// stream, used by the scheduler's memory-exhaustion fallback.
func (s *Stream) IsStdKind() bool { return s.Kind.IsStd() }

// SetPriority updates the stream's scheduling priority, e.g. from
// update_caching_priority (spec.md §6).
func (s *Stream) SetPriority(priority int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Priority = priority
}

// CacheFillStatus reports how full a pinned caching stream's window is
// (spec.md §6 get_buffer_status_for_pinned_file): the fraction of
// nominal buffering currently held, and whether it's saturated.
func (s *Stream) CacheFillStatus() (percentFull float64, cacheFull bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto == nil || s.auto.nominalBuffering == 0 {
		return 0, false
	}
	pct := float64(s.auto.virtualBufferingSize) / float64(s.auto.nominalBuffering) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, s.auto.virtualBufferingSize >= s.auto.nominalBuffering
}

// TimeSinceLastTransfer is the scheduler's starvation tie-break key
// (spec.md §4.7 property 7: round-robin via time-since-last-transfer).
func (s *Stream) TimeSinceLastTransfer() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	if s.Kind.IsStd() {
		last = s.std.lastTransferAt
	} else {
		last = s.auto.lastTransferAt
	}
	if last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(last)
}

// PreparedTransfer is the common payload handed from a PrepareTransfer
// call to the scheduler's perform_io step.
type PreparedTransfer struct {
	View       *memblock.View
	Transfer   *transfer.Transfer
	Heuristics llio.Heuristics
	Write      bool

	// Shared marks a Transfer that was already in flight when this
	// PreparedTransfer was produced: View was attached as an additional
	// observer on a cache hit against a busy block (spec.md §4.5), not
	// issued fresh. The caller must not dispatch a new low-level I/O
	// call for it — completion will reach View via its own settle
	// callback once the transfer's original issuer finishes it.
	Shared bool
}
