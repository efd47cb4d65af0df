// Package device implements the per-device façade of spec.md §5/§6:
// settings validation, the blocking-vs-deferred hook binding, one I/O
// worker goroutine driving the scheduler, and live settings reload.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/openaudio/streammgr/pkg/iomem"
	"github.com/openaudio/streammgr/pkg/llio"
	"github.com/openaudio/streammgr/pkg/logging"
	"github.com/openaudio/streammgr/pkg/memblock"
	"github.com/openaudio/streammgr/pkg/scheduler"
	"github.com/openaudio/streammgr/pkg/stream"
	"github.com/openaudio/streammgr/pkg/streamerr"
	"github.com/openaudio/streammgr/pkg/transfer"
)

// SchedulerType selects the low-level hook variant (spec.md §6).
type SchedulerType int

const (
	Blocking SchedulerType = iota
	DeferredLinedUp
)

// Settings enumerates the device-wide tunables of spec.md §6.
type Settings struct {
	IOMemorySize                    uint32
	IOMemoryAlignment               uint32
	Granularity                     uint32
	MinBlockSize                    uint32
	SchedulerType                   SchedulerType
	TargetAutoStreamBufferLengthSec float64
	MaxConcurrentIO                 int
	UseStreamCache                  bool
	MaxCachePinnedBytes             uint32
	ThroughputBytesPerMs            float64
}

// Validate enforces spec.md §6's invalid-combination rules, returning
// an InvalidParameter streamerr on the first violation.
func (s *Settings) Validate() error {
	if s.Granularity == 0 {
		return streamerr.Invalid("device.settings", "granularity")
	}
	if s.MinBlockSize == 0 || s.MinBlockSize > s.Granularity {
		return streamerr.Invalid("device.settings", "min_block_size")
	}
	if s.IOMemorySize < s.Granularity {
		return streamerr.Invalid("device.settings", "io_memory_size")
	}
	if s.SchedulerType == DeferredLinedUp && (s.MaxConcurrentIO < 1 || s.MaxConcurrentIO > 1024) {
		return streamerr.Invalid("device.settings", "max_concurrent_io")
	}
	if s.TargetAutoStreamBufferLengthSec <= 0 {
		return streamerr.Invalid("device.settings", "target_auto_stream_buffer_length_sec")
	}
	return nil
}

// memoryStateAdapter narrows *iomem.Manager to scheduler.MemoryState.
type memoryStateAdapter struct{ m *iomem.Manager }

func (a memoryStateAdapter) HasFreeCapacity(size uint32) bool { return a.m.HasFreeCapacity(size) }

// Device owns one I/O memory manager, one scheduler, and the worker
// goroutine driving perform_io against a single low-level hook
// (spec.md §5: "one I/O worker thread per device").
type Device struct {
	mu sync.RWMutex

	settings Settings

	// memMu is spec.md §5's "device lock": it guards every access to
	// mem (the IO memory manager is not internally synchronized) from
	// both the I/O worker goroutine (performIO) and client goroutines
	// releasing automatic-stream buffers directly (stream.SetMemoryManager).
	memMu     sync.Mutex
	mem       *iomem.Manager
	scheduler *scheduler.Scheduler
	transfers *transfer.Pool
	profiling llio.ProfilingHook
	logger    *logging.Logger

	blockingHook llio.BlockingHook
	deferredHook llio.DeferredHook

	descMu      sync.Mutex
	descriptors map[uint64]llio.Descriptor

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates settings and constructs a Device bound to the given
// hook (exactly one of blockingHook/deferredHook must be non-nil,
// matching settings.SchedulerType).
func New(settings Settings, blockingHook llio.BlockingHook, deferredHook llio.DeferredHook, profiling llio.ProfilingHook, logger *logging.Logger) (*Device, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if profiling == nil {
		profiling = llio.NopProfiling{}
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	d := &Device{
		settings:     settings,
		profiling:    profiling,
		logger:       logger.WithComponent("device"),
		blockingHook: blockingHook,
		deferredHook: deferredHook,
		transfers:    transfer.NewPool(settings.MaxConcurrentIO),
		descriptors:  make(map[uint64]llio.Descriptor),
	}

	mem, err := iomem.New(settings.IOMemorySize, settings.Granularity, settings.MinBlockSize, d)
	if err != nil {
		return nil, streamerr.New("device", streamerr.ErrInsufficientMemory, err)
	}
	d.mem = mem
	d.scheduler = scheduler.New(memoryStateAdapter{d.mem})
	d.scheduler.SetCacheBudget(settings.MaxCachePinnedBytes)
	return d, nil
}

// NotifyMemChange implements iomem.MemChangeNotifier: memory became
// available, so the scheduler should reconsider auto streams.
func (d *Device) NotifyMemChange() { d.scheduler.Notify() }

// NotifyMemIdle implements iomem.MemChangeNotifier: the pool and free
// list are both exhausted; the scheduler must wait for a release.
func (d *Device) NotifyMemIdle() {
	d.profiling.MemoryExhausted(true)
}

// Settings returns a copy of the device's current settings.
func (d *Device) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// ApplyLiveSettings updates the safe-to-change-at-runtime subset of
// settings (everything except pool sizing, which would require
// recreating the memory manager): max_concurrent_io, the cache pinning
// budget, and the target auto-stream buffer length. Driven by
// pkg/config's fsnotify watcher.
func (d *Device) ApplyLiveSettings(maxConcurrentIO int, maxCachePinnedBytes uint32, targetBufferLengthSec float64) error {
	if maxConcurrentIO < 1 || maxConcurrentIO > 1024 {
		return streamerr.Invalid("device.settings", "max_concurrent_io")
	}
	if targetBufferLengthSec <= 0 {
		return streamerr.Invalid("device.settings", "target_auto_stream_buffer_length_sec")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.MaxConcurrentIO = maxConcurrentIO
	d.settings.MaxCachePinnedBytes = maxCachePinnedBytes
	d.settings.TargetAutoStreamBufferLengthSec = targetBufferLengthSec
	d.transfers = transfer.NewPool(maxConcurrentIO)
	d.scheduler.SetCacheBudget(maxCachePinnedBytes)
	return nil
}

// CreateStdStream opens fileID (lazily, once per device) and returns a
// standard stream ready for ExecuteOp calls.
func (d *Device) CreateStdStream(ctx context.Context, fileID uint64, priority int8, deadline float32, fileSize uint64) (*stream.Stream, error) {
	if _, err := d.openDescriptor(ctx, fileID); err != nil {
		return nil, err
	}
	kind := stream.StdBlocking
	if d.settings.SchedulerType == DeferredLinedUp {
		kind = stream.StdDeferred
	}
	s := stream.NewStd(kind, fileID, priority, deadline, d.settings.Granularity, d.settings.Granularity, fileSize, d.transfers, d.scheduler.Notify)
	d.scheduler.AddTask(s)
	return s, nil
}

// CreateAutoStream opens fileID and returns an automatic stream
// targeting settings.TargetAutoStreamBufferLengthSec of buffering.
func (d *Device) CreateAutoStream(ctx context.Context, fileID uint64, priority int8, fileSize uint64) (*stream.Stream, error) {
	if _, err := d.openDescriptor(ctx, fileID); err != nil {
		return nil, err
	}
	kind := stream.AutoBlocking
	if d.settings.SchedulerType == DeferredLinedUp {
		kind = stream.AutoDeferred
	}
	nominal := uint32(d.settings.TargetAutoStreamBufferLengthSec * d.settings.ThroughputBytesPerMs * 1000)
	s := stream.NewAuto(kind, fileID, priority, 0, d.settings.Granularity, d.settings.Granularity, fileSize, nominal, d.settings.ThroughputBytesPerMs, d.transfers, d.scheduler.Notify)
	s.SetMemoryManager(d.mem, &d.memMu, d.settings.IOMemoryAlignment)
	d.scheduler.AddTask(s)
	return s, nil
}

// CreateCachingStream opens fileID and registers a pinned caching
// stream with the scheduler's caching pass (spec.md §4.6). Refused
// when the device's cache is disabled.
func (d *Device) CreateCachingStream(ctx context.Context, fileID uint64, priority int8, prefetchBytes uint32, fileSize uint64) (*stream.Stream, error) {
	if !d.settings.UseStreamCache {
		return nil, streamerr.New("device", streamerr.ErrInvalidParameter, fmt.Errorf("stream cache disabled"))
	}
	if _, err := d.openDescriptor(ctx, fileID); err != nil {
		return nil, err
	}
	kind := stream.AutoBlocking
	if d.settings.SchedulerType == DeferredLinedUp {
		kind = stream.AutoDeferred
	}
	s := stream.NewCaching(kind, fileID, priority, prefetchBytes, d.settings.IOMemoryAlignment, fileSize, d.transfers, d.scheduler.Notify)
	s.SetMemoryManager(d.mem, &d.memMu, d.settings.IOMemoryAlignment)
	d.scheduler.AddCachingTask(s)
	return s, nil
}

// FlushCache empties the device's I/O memory cache (spec.md §4.2
// flush_cache / §6 flush_all_caches), guarded by the same device lock
// the I/O worker holds while preparing transfers.
func (d *Device) FlushCache() {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	d.mem.FlushCache()
}

// DestroyStream marks s for teardown; the scheduler reaps it once its
// in-flight transfers settle (spec.md §4.8). The device's file
// descriptor for fileID is closed separately by the caller once no
// stream references it (pkg/manager tracks that refcount).
func (d *Device) DestroyStream(s *stream.Stream) { s.Destroy() }

// CancelStream requests cancellation of a standard stream's in-flight
// operation (spec.md §4.8/§5), blocking until it settles. On a
// deferred device this also drives the view-initiated cancel handshake
// of spec.md §4.9 for whatever transfers are still in flight, guarded
// by the device lock the handshake's untag call requires.
func (d *Device) CancelStream(s *stream.Stream) {
	d.descMu.Lock()
	desc := d.descriptors[s.FileID]
	d.descMu.Unlock()

	s.Cancel(d.mem, &d.memMu, d.deferredHook, desc)
}

// CloseFile closes fileID's descriptor if one is open. Called by the
// manager façade once the last stream on a file has been destroyed or
// unpinned, without waiting for the scheduler to reap that stream.
func (d *Device) CloseFile(fileID uint64) {
	d.descMu.Lock()
	defer d.descMu.Unlock()
	desc, ok := d.descriptors[fileID]
	if !ok {
		return
	}
	delete(d.descriptors, fileID)
	if d.blockingHook != nil {
		d.blockingHook.Close(desc)
	} else if d.deferredHook != nil {
		d.deferredHook.Close(desc)
	}
}

func (d *Device) openDescriptor(ctx context.Context, fileID uint64) (llio.Descriptor, error) {
	d.descMu.Lock()
	defer d.descMu.Unlock()
	if desc, ok := d.descriptors[fileID]; ok {
		return desc, nil
	}

	var desc llio.Descriptor
	var result llio.Result
	name := fmt.Sprintf("%d", fileID)
	switch {
	case d.blockingHook != nil:
		desc, _, result = d.blockingHook.Open(ctx, name, 0, 0)
	case d.deferredHook != nil:
		desc, _, result = d.deferredHook.Open(ctx, name, 0, 0)
	default:
		return nil, streamerr.New("device", streamerr.ErrInvalidParameter, fmt.Errorf("no hook bound"))
	}
	if result != llio.Success {
		if result == llio.NotFound {
			return nil, streamerr.New("device", streamerr.ErrFileNotFound, nil)
		}
		return nil, streamerr.New("device", streamerr.ErrFail, nil)
	}
	d.descriptors[fileID] = desc
	return desc, nil
}

// Start launches the device's I/O worker goroutine (spec.md §5: one
// thread per device, looping on the scheduler and calling perform_io).
func (d *Device) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop signals the worker goroutine to exit and waits for it.
func (d *Device) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
	d.scheduler.Notify()
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)
	for {
		task, _, ok := d.scheduler.WaitForTask(ctx)
		if !ok {
			return
		}
		s, isStream := task.(*stream.Stream)
		if !isStream {
			continue
		}
		d.performIO(ctx, s)
	}
}

func (d *Device) performIO(ctx context.Context, s *stream.Stream) {
	desc, err := d.openDescriptor(ctx, s.FileID)
	if err != nil {
		d.logger.Warnf("perform_io: could not reopen descriptor for file %d: %v", s.FileID, err)
		return
	}
	poolData := func(offset, size uint32) []byte { return d.mem.Pool().Data(offset, size) }

	onCacheHit := func() { d.profiling.CacheHit(s.FileID) }

	switch d.settings.SchedulerType {
	case Blocking:
		// The blocking hook call below runs synchronously on this
		// worker goroutine (no suspend point to hand back to another
		// caller), so holding memMu across it doesn't stall anyone the
		// way a pool.Acquire wait would.
		d.memMu.Lock()
		scheduler.PerformIOBlocking(s, d.blockingHook, desc, d.mem, poolData, d.settings.Granularity, d.settings.IOMemoryAlignment, onCacheHit)
		d.memMu.Unlock()
	case DeferredLinedUp:
		d.memMu.Lock()
		pt, ok := scheduler.PrepareDeferred(s, d.mem, d.settings.Granularity, d.settings.IOMemoryAlignment)
		d.memMu.Unlock()
		if !ok {
			return
		}
		scheduler.DispatchDeferred(ctx, d.transfers, s, pt, d.deferredHook, desc, poolData, func(v *memblock.View, result llio.Result) {
			if result != llio.Success {
				d.profiling.CacheMiss(s.FileID)
			}
		}, onCacheHit)
	}
}

// Memory exposes the I/O memory manager to the manager façade (cache
// pin/flush operations act at the device level, spec.md §6).
func (d *Device) Memory() *iomem.Manager { return d.mem }

// Scheduler exposes the device's scheduler so the manager façade can
// drive force_cleanup on stream-creation failure.
func (d *Device) Scheduler() *scheduler.Scheduler { return d.scheduler }

// TransferPool exposes the deferred transfer pool for callers that
// need to size a new device's worker pool before streams exist.
func (d *Device) TransferPool() *transfer.Pool { return d.transfers }
