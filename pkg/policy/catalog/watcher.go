package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures a seed directory watcher.
type WatcherConfig struct {
	// Dir is the seed directory.
	Dir string

	// Debounce is the quiet period after the last event before syncing.
	Debounce time.Duration
}

// Watcher re-syncs the catalog when seed files change.
type Watcher struct {
	config  WatcherConfig
	service *Service
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewWatcher creates a watcher that syncs service from config.Dir.
func NewWatcher(config WatcherConfig, service *Service) (*Watcher, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("seed directory cannot be empty")
	}
	if config.Debounce <= 0 {
		config.Debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		config:  config,
		service: service,
		watcher: fw,
		logger:  slog.Default().With("component", "policy.catalog.watcher"),
	}, nil
}

// Run watches until ctx is done. Each debounced burst of seed file events
// triggers one SyncDir; sync failures are logged and watching continues.
// onSync, if set, receives the result of every sync.
func (w *Watcher) Run(ctx context.Context, onSync func(*SyncReport, error)) error {
	if err := w.addTree(w.config.Dir); err != nil {
		return err
	}

	w.logger.Info("watching policy seeds", "dir", w.config.Dir, "debounce_ms", w.config.Debounce.Milliseconds())

	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}

			// New subdirectories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}

			if !relevant(event) {
				continue
			}
			w.logger.Debug("seed file event", "path", event.Name, "op", event.Op.String())
			w.schedule(ctx, onSync)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("seed watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, onSync func(*SyncReport, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.config.Debounce, func() {
		report, err := w.service.SyncDir(ctx, w.config.Dir)
		if err != nil {
			w.logger.Error("policy catalog sync failed", "dir", w.config.Dir, "error", err)
		}
		if onSync != nil {
			onSync(report, err)
		}
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("failed to close watcher", "error", err)
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %q: %w", path, err)
		}
		return nil
	})
}

func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return isSeedFile(event.Name)
}
