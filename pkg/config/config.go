// Package config watches a device-settings file on disk and pushes
// validated, live-reloadable updates into a running device.Device
// (spec.md §6's max_concurrent_io, max_cache_pinned_bytes, and
// target_auto_stream_buffer_length_sec), the same
// watch-a-path/debounce/react shape as the teacher's fsnotify-backed
// file watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/openaudio/streammgr/pkg/logging"
)

// LiveSettings is the safe-to-reload subset of device.Settings: the
// fields a running device can absorb without recreating its memory
// manager (spec.md §6, mirroring device.Device.ApplyLiveSettings).
type LiveSettings struct {
	MaxConcurrentIO                 int     `yaml:"max_concurrent_io"`
	MaxCachePinnedBytes             uint32  `yaml:"max_cache_pinned_bytes"`
	TargetAutoStreamBufferLengthSec float64 `yaml:"target_auto_stream_buffer_length_sec"`
}

// ApplyFunc pushes a freshly parsed LiveSettings into whatever owns the
// live device(s); normally device.Device.ApplyLiveSettings adapted to
// this signature, or a fan-out over several devices via pkg/manager.
type ApplyFunc func(LiveSettings) error

// Watcher reloads a YAML settings file whenever fsnotify reports it
// changed, debouncing rapid successive writes from editors/deploy
// tooling into a single apply.
type Watcher struct {
	path     string
	absPath  string
	apply    ApplyFunc
	logger   *logging.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
}

// NewWatcher creates a Watcher over path. Call Start to begin watching;
// the initial contents of path are NOT loaded automatically — call
// Reload once up front if the caller wants the on-disk settings applied
// before the first change event.
func NewWatcher(path string, apply ApplyFunc, logger *logging.Logger) (*Watcher, error) {
	if apply == nil {
		return nil, fmt.Errorf("config: apply function is required")
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		absPath:  abs,
		apply:    apply,
		logger:   logger.WithComponent("config"),
		debounce: 200 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Reload parses path immediately and applies it, bypassing the
// debounce timer. Useful for the initial load at startup.
func (w *Watcher) Reload() error {
	settings, err := parseFile(w.path)
	if err != nil {
		return err
	}
	return w.apply(settings)
}

// Start begins watching path's parent directory (fsnotify watches
// directories, not bare files, so the file can be replaced atomically
// by a rename-based deploy without losing the watch) and launches the
// debounce/reload loop.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.absPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w.done = make(chan struct{})
	go w.loop()
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the loop
// goroutine to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != w.absPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("watch error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Warnf("reload %s: %v", w.path, err)
		}
	})
}

func parseFile(path string) (LiveSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LiveSettings{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var settings LiveSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return LiveSettings{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if settings.MaxConcurrentIO < 1 || settings.MaxConcurrentIO > 1024 {
		return LiveSettings{}, fmt.Errorf("config: max_concurrent_io out of range [1, 1024]: %d", settings.MaxConcurrentIO)
	}
	if settings.TargetAutoStreamBufferLengthSec <= 0 {
		return LiveSettings{}, fmt.Errorf("config: target_auto_stream_buffer_length_sec must be positive")
	}
	return settings, nil
}
