package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeSettings(t *testing.T, path string, maxConcurrentIO int, maxCachePinnedBytes uint32, bufferLenSec float64) {
	t.Helper()
	contents := fmt.Sprintf("max_concurrent_io: %d\nmax_cache_pinned_bytes: %d\ntarget_auto_stream_buffer_length_sec: %f\n",
		maxConcurrentIO, maxCachePinnedBytes, bufferLenSec)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
}

func TestReloadParsesAndApplies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	writeSettings(t, path, 4, 1<<20, 1.5)

	var applied LiveSettings
	w, err := NewWatcher(path, func(s LiveSettings) error {
		applied = s
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if applied.MaxConcurrentIO != 4 || applied.MaxCachePinnedBytes != 1<<20 {
		t.Fatalf("applied = %+v, want max_concurrent_io=4 max_cache_pinned_bytes=%d", applied, 1<<20)
	}
}

func TestReloadRejectsOutOfRangeConcurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	writeSettings(t, path, 0, 1<<20, 1.0)

	w, err := NewWatcher(path, func(LiveSettings) error { return nil }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Reload(); err == nil {
		t.Fatalf("expected an error for out-of-range max_concurrent_io")
	}
}

func TestStartDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	writeSettings(t, path, 2, 1<<10, 1.0)

	var mu sync.Mutex
	applyCount := 0
	w, err := NewWatcher(path, func(LiveSettings) error {
		mu.Lock()
		applyCount++
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 50 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 5; i++ {
		writeSettings(t, path, 2+i, 1<<10, 1.0)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if applyCount == 0 {
		t.Fatalf("expected at least one apply after debounced writes")
	}
	if applyCount > 2 {
		t.Fatalf("applyCount = %d, want the rapid writes collapsed to ~1 apply", applyCount)
	}
}
