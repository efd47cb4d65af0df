// Package mock provides in-memory blocking and deferred backends for
// the core's own tests and the demo CLI. There is no real storage
// backend in scope (spec.md §1 treats it as an external collaborator);
// this is the uniform stand-in both scenarios need.
package mock

import (
	"context"
	"sync"

	"github.com/openaudio/streammgr/pkg/llio"
)

// File is one named byte blob a mock backend can serve.
type File struct {
	Name      string
	Data      []byte
	BlockSize uint32
}

type descriptor struct {
	file *File
}

// Blocking is a llio.BlockingHook backed by an in-memory file set.
type Blocking struct {
	mu    sync.Mutex
	files map[string]*File
}

// NewBlocking builds a Blocking hook with the given files registered
// by name.
func NewBlocking(files ...*File) *Blocking {
	m := &Blocking{files: make(map[string]*File)}
	for _, f := range files {
		m.files[f.Name] = f
	}
	return m
}

func (m *Blocking) Open(_ context.Context, name string, _ int, _ int) (llio.Descriptor, bool, llio.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return nil, true, llio.NotFound
	}
	return &descriptor{file: f}, true, llio.Success
}

func (m *Blocking) Close(llio.Descriptor) {}

func (m *Blocking) Read(desc llio.Descriptor, _ llio.Heuristics, buffer []byte, info *llio.TransferInfo) llio.Result {
	d := desc.(*descriptor)
	start := info.FilePosition
	if start >= uint64(len(d.file.Data)) {
		info.TransferredSize = 0
		return llio.Success
	}
	end := start + uint64(info.RequestedSize)
	if end > uint64(len(d.file.Data)) {
		end = uint64(len(d.file.Data))
	}
	n := copy(buffer, d.file.Data[start:end])
	info.TransferredSize = uint32(n)
	return llio.Success
}

func (m *Blocking) Write(desc llio.Descriptor, _ llio.Heuristics, buffer []byte, info *llio.TransferInfo) llio.Result {
	d := desc.(*descriptor)
	start := info.FilePosition
	needed := start + uint64(info.RequestedSize)
	if needed > uint64(len(d.file.Data)) {
		grown := make([]byte, needed)
		copy(grown, d.file.Data)
		d.file.Data = grown
	}
	n := copy(d.file.Data[start:needed], buffer[:info.RequestedSize])
	info.TransferredSize = uint32(n)
	return llio.Success
}

func (m *Blocking) GetBlockSize(desc llio.Descriptor) uint32 {
	return desc.(*descriptor).file.BlockSize
}

// Deferred is a llio.DeferredHook backed by the same in-memory files,
// running each request on its own goroutine to genuinely emulate
// out-of-order completion.
type Deferred struct {
	mu        sync.Mutex
	files     map[string]*File
	cancelled map[*llio.TransferInfo]bool
}

// NewDeferred builds a Deferred hook with the given files registered.
func NewDeferred(files ...*File) *Deferred {
	m := &Deferred{files: make(map[string]*File), cancelled: make(map[*llio.TransferInfo]bool)}
	for _, f := range files {
		m.files[f.Name] = f
	}
	return m
}

func (m *Deferred) Open(_ context.Context, name string, _ int, _ int) (llio.Descriptor, bool, llio.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return nil, true, llio.NotFound
	}
	return &descriptor{file: f}, true, llio.Success
}

func (m *Deferred) Close(llio.Descriptor) {}

func (m *Deferred) ReadAsync(desc llio.Descriptor, _ llio.Heuristics, buffer []byte, info *llio.TransferInfo, cb llio.CompletionFunc) llio.Result {
	d := desc.(*descriptor)
	go func() {
		m.mu.Lock()
		cancelled := m.cancelled[info]
		m.mu.Unlock()
		if cancelled {
			cb(info, llio.Fail)
			return
		}
		start := info.FilePosition
		end := start + uint64(info.RequestedSize)
		if end > uint64(len(d.file.Data)) {
			end = uint64(len(d.file.Data))
		}
		if start < end {
			n := copy(buffer, d.file.Data[start:end])
			info.TransferredSize = uint32(n)
		}
		cb(info, llio.Success)
	}()
	return llio.Success
}

func (m *Deferred) WriteAsync(desc llio.Descriptor, _ llio.Heuristics, buffer []byte, info *llio.TransferInfo, cb llio.CompletionFunc) llio.Result {
	d := desc.(*descriptor)
	go func() {
		m.mu.Lock()
		start := info.FilePosition
		needed := start + uint64(info.RequestedSize)
		if needed > uint64(len(d.file.Data)) {
			grown := make([]byte, needed)
			copy(grown, d.file.Data)
			d.file.Data = grown
		}
		n := copy(d.file.Data[start:needed], buffer[:info.RequestedSize])
		m.mu.Unlock()
		info.TransferredSize = uint32(n)
		cb(info, llio.Success)
	}()
	return llio.Success
}

func (m *Deferred) Cancel(_ llio.Descriptor, info *llio.TransferInfo, _ bool) {
	m.mu.Lock()
	m.cancelled[info] = true
	m.mu.Unlock()
}

func (m *Deferred) GetBlockSize(desc llio.Descriptor) uint32 {
	return desc.(*descriptor).file.BlockSize
}
