// Package scheduler implements the per-device I/O scheduler of
// spec.md §4.7: find_next_task's signalled/eligible and
// priority/deadline tie-breaks, perform_io's blocking/deferred
// dispatch, and force_cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openaudio/streammgr/pkg/llio"
	"github.com/openaudio/streammgr/pkg/memblock"
	"github.com/openaudio/streammgr/pkg/stream"
	"github.com/openaudio/streammgr/pkg/transfer"
)

// MemoryState is the subset of iomem.Manager the scheduler needs to
// decide whether memory is exhausted.
type MemoryState interface {
	// HasFreeCapacity reports whether a fresh allocation or an evictable
	// free-list entry could satisfy a request of this size right now.
	HasFreeCapacity(size uint32) bool
}

// Task is everything the scheduler drives a stream through. It is
// satisfied by *stream.Stream; declared as an interface so the
// scheduler can be tested without constructing real streams.
type Task interface {
	ReadyForIO() bool
	EffectiveDeadline() float64
	TimeSinceLastTransfer() time.Duration
	CanBeDestroyed() bool
	SchedulingPriority() int8
	IsStdKind() bool
}

// CachingTask is the subset of a caching-stream task the scheduler's
// pin-budget enforcement needs (spec.md §4.6). *stream.Stream
// implements it whenever it was created via NewCaching.
type CachingTask interface {
	Task
	PinnedBytes() uint32
	PinnedAt() time.Time
	StopCaching()
}

// Scheduler picks the next task for one device's I/O worker and drives
// it through perform_io.
type Scheduler struct {
	mu sync.Mutex

	tasks        []Task
	cachingTasks []Task

	mem MemoryState

	// cacheBudget is max_cache_pinned_bytes (spec.md §4.6); zero means
	// unbounded (no eviction pass runs).
	cacheBudget uint32

	cond *sync.Cond
}

// New creates a Scheduler over the given memory-state query.
func New(mem MemoryState) *Scheduler {
	s := &Scheduler{mem: mem}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AddTask registers a normal-stream task with the scheduler.
func (s *Scheduler) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	s.cond.Broadcast()
}

// AddCachingTask registers a caching-stream task.
func (s *Scheduler) AddCachingTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachingTasks = append(s.cachingTasks, t)
	s.cond.Broadcast()
}

// SetCacheBudget updates max_cache_pinned_bytes; live-reloadable via
// pkg/config (spec.md §5 Budgets).
func (s *Scheduler) SetCacheBudget(maxCachePinnedBytes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheBudget = maxCachePinnedBytes
}

// Notify wakes the scheduler's I/O loop; passed to streams as their
// notify callback (see pkg/stream's DESIGN.md note on the semaphore
// simplification).
func (s *Scheduler) Notify() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func reap(tasks []Task) []Task {
	kept := tasks[:0]
	for _, t := range tasks {
		if !t.CanBeDestroyed() {
			kept = append(kept, t)
		}
	}
	return kept
}

// FindNextTask implements spec.md §4.7's algorithm: reap destroyable
// tasks, restrict to standard streams under memory exhaustion, prefer
// a deadline-signalled task over a merely-eligible one, break ties by
// priority then by starvation time, and fall back to caching streams.
func (s *Scheduler) FindNextTask() (Task, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findNextTaskLocked()
}

// WaitForTask blocks the calling I/O worker until a task is eligible,
// ctx is cancelled, or a task/caching-task registration wakes it for
// re-evaluation (the real work happens in findNextTaskLocked; this
// just avoids the device worker busy-spinning while idle, replacing
// the original's OS semaphore wait with a sync.Cond).
func (s *Scheduler) WaitForTask(ctx context.Context) (Task, float64, bool) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Notify()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil, 0, false
		}
		if t, d, ok := s.findNextTaskLocked(); ok {
			return t, d, true
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) findNextTaskLocked() (Task, float64, bool) {
	s.tasks = reap(s.tasks)
	s.cachingTasks = reap(s.cachingTasks)

	memExhausted := s.mem != nil && !s.mem.HasFreeCapacity(1)

	var best Task
	var bestDeadline float64
	var bestStarveTime time.Duration

	for _, t := range s.tasks {
		if memExhausted && !t.IsStdKind() {
			continue
		}
		if !t.ReadyForIO() {
			continue
		}
		d := t.EffectiveDeadline()

		if best == nil {
			best, bestDeadline, bestStarveTime = t, d, t.TimeSinceLastTransfer()
			continue
		}

		starving := d == 0
		bestIsStarving := bestDeadline == 0
		switch {
		case starving && bestIsStarving:
			if t.SchedulingPriority() > best.SchedulingPriority() ||
				(t.SchedulingPriority() == best.SchedulingPriority() && t.TimeSinceLastTransfer() > bestStarveTime) {
				best, bestDeadline, bestStarveTime = t, d, t.TimeSinceLastTransfer()
			}
		case starving:
			// A starving task always outranks a merely slow one.
			best, bestDeadline, bestStarveTime = t, d, t.TimeSinceLastTransfer()
		case bestIsStarving:
			// keep best
		case d < bestDeadline:
			best, bestDeadline, bestStarveTime = t, d, t.TimeSinceLastTransfer()
		}
	}

	if best != nil {
		return best, bestDeadline, true
	}

	return s.findCachingTaskLocked()
}

// findCachingTaskLocked implements spec.md §4.6's second selection
// pass: highest-priority caching stream needing more data, subject to
// max_cache_pinned_bytes.
func (s *Scheduler) findCachingTaskLocked() (Task, float64, bool) {
	var best Task
	for _, t := range s.cachingTasks {
		if !t.ReadyForIO() {
			continue
		}
		if best == nil || t.SchedulingPriority() > best.SchedulingPriority() {
			best = t
		}
	}
	if best == nil {
		return nil, 0, false
	}
	if s.cacheBudget == 0 || !s.wouldExceedBudgetLocked(best) {
		return best, 0, true
	}
	if s.enforceBudgetLocked(best) {
		return best, 0, true
	}
	// Still over budget after evicting every lower-priority candidate:
	// don't schedule any caching stream this tick (spec.md §4.6).
	return nil, 0, false
}

func (s *Scheduler) totalPinnedLocked(excluding Task) uint32 {
	var total uint32
	for _, t := range s.cachingTasks {
		if t == excluding {
			continue
		}
		if ct, ok := t.(CachingTask); ok {
			total += ct.PinnedBytes()
		}
	}
	return total
}

func (s *Scheduler) wouldExceedBudgetLocked(candidate Task) bool {
	ct, ok := candidate.(CachingTask)
	if !ok {
		return false
	}
	return s.totalPinnedLocked(candidate)+ct.PinnedBytes() > s.cacheBudget
}

// enforceBudgetLocked repeatedly evicts the lowest-priority caching
// stream with priority strictly below candidate's until scheduling
// candidate would fit the budget, or gives up when no more evictable
// candidates remain (spec.md §4.6).
func (s *Scheduler) enforceBudgetLocked(candidate Task) bool {
	ct, ok := candidate.(CachingTask)
	if !ok {
		return true
	}
	evicted := map[Task]bool{}
	for s.totalPinnedLocked(candidate)+ct.PinnedBytes() > s.cacheBudget {
		var victim CachingTask
		var victimTask Task
		for _, t := range s.cachingTasks {
			if t == candidate || evicted[t] {
				continue
			}
			other, ok := t.(CachingTask)
			if !ok || other.SchedulingPriority() >= ct.SchedulingPriority() {
				continue
			}
			if victim == nil ||
				other.SchedulingPriority() < victim.SchedulingPriority() ||
				(other.SchedulingPriority() == victim.SchedulingPriority() && other.PinnedAt().Before(victim.PinnedAt())) {
				victim, victimTask = other, t
			}
		}
		if victim == nil {
			return false
		}
		victim.StopCaching()
		evicted[victimTask] = true
	}
	return true
}

// ForceCleanup is called when allocating a new stream fails. It reaps
// this scheduler's destroy-pending tasks, then kills the ready-for-I/O
// task of lowest priority
// strictly below newTaskPriority, preferring to keep an existing task
// alive on a priority tie (spec.md §9 open question, DESIGN.md
// decision 3).
func (s *Scheduler) ForceCleanup(newTaskPriority int8, destroy func(Task)) {
	s.mu.Lock()
	s.tasks = reap(s.tasks)
	s.cachingTasks = reap(s.cachingTasks)

	var victim Task
	for _, t := range s.tasks {
		if !t.ReadyForIO() || t.SchedulingPriority() >= newTaskPriority {
			continue
		}
		if victim == nil || t.SchedulingPriority() < victim.SchedulingPriority() {
			victim = t
		}
	}
	s.mu.Unlock()

	if victim != nil && destroy != nil {
		destroy(victim)
	}
}

// PerformIOBlocking runs one blocking-device task: prepares a
// transfer, issues it synchronously on hook, and immediately applies
// the result. bufferSize/alignment size a fresh automatic-stream
// allocation when no cached block covers the next virtual position.
func PerformIOBlocking(s *stream.Stream, hook llio.BlockingHook, desc llio.Descriptor, mem stream.MemoryManager, poolData func(offset, size uint32) []byte, bufferSize, alignment uint32, onCacheHit func()) bool {
	switch {
	case s.Kind.IsStd():
		pt, ok := s.PrepareTransfer(mem)
		if !ok {
			return false
		}
		info := pt.Transfer.Info
		buf := s.BufferSlice(pt.View)
		var res llio.Result
		if pt.Write {
			res = hook.Write(desc, llio.Heuristics{}, buf, &info)
		} else {
			res = hook.Read(desc, llio.Heuristics{}, buf, &info)
		}
		s.Update(pt.View, res, true)
		return true
	default:
		pt, ok := s.PrepareAutoTransfer(mem, bufferSize, alignment)
		if !ok {
			return false
		}
		if pt.Transfer == nil || pt.Shared {
			// The view attached as an observer to a transfer already in
			// flight on another stream's behalf (spec.md §4.5), so there
			// is no new low-level I/O call to issue here. A non-busy
			// cache hit does not reach this branch: PrepareAutoTransfer
			// resolves it itself and reports ok=false, so onCacheHit is
			// not called for it.
			if onCacheHit != nil {
				onCacheHit()
			}
			return true
		}
		info := pt.Transfer.Info
		buf := pt.View.Data(poolData)
		res := hook.Read(desc, llio.Heuristics{}, buf, &info)
		s.UpdateAuto(pt.View, pt.Transfer, res)
		return true
	}
}

// PrepareDeferred runs the memory-manager-touching half of one
// deferred-device task: it decides which transfer, if any, is ready to
// issue. The caller must hold the device lock for this call (mem
// requires it), then release that lock before passing the result to
// DispatchDeferred — the pool.Acquire suspend DispatchDeferred makes
// must never execute while the device lock is held (spec.md §5: "no
// lock is ever held across a suspend"; a worker blocked there would
// also stall ReleaseBuffer/FlushCache, which need the same lock).
func PrepareDeferred(s *stream.Stream, mem stream.MemoryManager, bufferSize, alignment uint32) (*stream.PreparedTransfer, bool) {
	if s.Kind.IsStd() {
		return s.PrepareTransfer(mem)
	}
	return s.PrepareAutoTransfer(mem, bufferSize, alignment)
}

// DispatchDeferred issues the transfer pt describes — acquiring a pool
// slot first — without the device lock held, and wires the async
// completion callback to apply the result and release the slot. The
// caller must have obtained pt via PrepareDeferred and released the
// device lock before calling this.
func DispatchDeferred(ctx context.Context, pool *transfer.Pool, s *stream.Stream, pt *stream.PreparedTransfer, hook llio.DeferredHook, desc llio.Descriptor, poolData func(offset, size uint32) []byte, onDone func(v *memblock.View, result llio.Result), onCacheHit func()) bool {
	if s.Kind.IsStd() {
		if err := pool.Acquire(ctx); err != nil {
			return false
		}
		info := pt.Transfer.Info
		buf := s.BufferSlice(pt.View)
		cb := func(i *llio.TransferInfo, result llio.Result) {
			pool.Release()
			s.Update(pt.View, result, true)
			if onDone != nil {
				onDone(pt.View, result)
			}
		}
		if pt.Write {
			hook.WriteAsync(desc, llio.Heuristics{}, buf, &info, cb)
		} else {
			hook.ReadAsync(desc, llio.Heuristics{}, buf, &info, cb)
		}
		return true
	}

	if pt.Transfer == nil || pt.Shared {
		// The view attached as an observer to a transfer already in
		// flight for another stream (spec.md §4.5), so there is nothing
		// new to dispatch. A non-busy cache hit never gets here:
		// PrepareDeferred reports ok=false for it and the caller stops
		// before dispatch, so onCacheHit is not called for it.
		if onCacheHit != nil {
			onCacheHit()
		}
		return true
	}
	if err := pool.Acquire(ctx); err != nil {
		return false
	}
	info := pt.Transfer.Info
	buf := pt.View.Data(poolData)
	cb := func(i *llio.TransferInfo, result llio.Result) {
		pool.Release()
		s.UpdateAuto(pt.View, pt.Transfer, result)
		if onDone != nil {
			onDone(pt.View, result)
		}
	}
	hook.ReadAsync(desc, llio.Heuristics{}, buf, &info, cb)
	return true
}
