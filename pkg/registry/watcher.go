package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/sqlsaber/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the file must be quiet before a reload
const DefaultDebounce = 200 * time.Millisecond

// Config configures a Registry
type Config struct {
	Path     string
	Watch    bool
	Debounce time.Duration
	Logger   zerolog.Logger
	// OnReload is called with each snapshot swapped in by the watcher.
	OnReload func(*Snapshot)
}

// Registry serves the current snapshot of the registry file
type Registry struct {
	path     string
	watch    bool
	debounce time.Duration
	logger   zerolog.Logger
	onReload func(*Snapshot)

	mu       sync.RWMutex
	snapshot *Snapshot

	watcher  *fsnotify.Watcher
	timer    *time.Timer
	timerMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// New loads the registry file. A missing file yields an empty registry so
// the server can start before any resources are configured; a malformed
// file is an error.
func New(cfg Config) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	r := &Registry{
		path:     cfg.Path,
		watch:    cfg.Watch,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.With().Str("component", "registry").Logger(),
		onReload: cfg.OnReload,
		done:     make(chan struct{}),
	}

	snap, err := LoadFile(cfg.Path)
	switch {
	case err == nil:
		r.snapshot = snap
	case errors.Is(err, os.ErrNotExist):
		r.logger.Warn().Str("path", cfg.Path).Msg("Registry file not found, starting with an empty registry")
		r.snapshot = Empty()
	default:
		return nil, err
	}

	f := r.snapshot.File()
	r.logger.Info().
		Str("path", cfg.Path).
		Int("databases", len(f.DatabaseConnections)).
		Int("models", len(f.ModelConfigs)).
		Msg("Registry loaded")

	return r, nil
}

// Snapshot returns the current snapshot
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Reload re-reads the file. On failure the previous snapshot stays in
// place and the error is returned.
func (r *Registry) Reload() error {
	snap, err := LoadFile(r.path)
	if err != nil {
		observability.RecordRegistryReload(false)
		r.logger.Error().Err(err).Str("path", r.path).Msg("Registry reload failed, keeping previous snapshot")
		return err
	}

	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()

	observability.RecordRegistryReload(true)
	r.logger.Info().Str("path", r.path).Msg("Registry reloaded")

	if r.onReload != nil {
		r.onReload(snap)
	}
	return nil
}

// Start watches the registry file when watching is enabled. The parent
// directory is watched so editors that replace the file are noticed.
func (r *Registry) Start() error {
	if !r.watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}
	r.watcher = watcher

	go r.eventLoop()

	r.logger.Info().Str("path", r.path).Msg("Registry watcher started")
	return nil
}

// Close stops the watcher
func (r *Registry) Close() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerMu.Unlock()

	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close watcher: %w", err)
		}
	}
	return nil
}

func (r *Registry) eventLoop() {
	target := filepath.Clean(r.path)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				r.scheduleReload()
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Watcher error")

		case <-r.done:
			return
		}
	}
}

// scheduleReload debounces bursts of writes into a single reload
func (r *Registry) scheduleReload() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		select {
		case <-r.done:
			return
		default:
			_ = r.Reload()
		}
	})
}
