package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/locus/internal/monitoring"
)

// Watcher reloads a config file when it changes on disk and hands each valid
// snapshot to OnChange. Invalid edits are logged and the previous snapshot
// stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	// OnChange receives every successfully loaded snapshot.
	OnChange func(cfg *Config)

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

// NewWatcher watches path. The directory is watched rather than the file so
// that editors which replace the file by rename are still noticed.
func NewWatcher(path string, onChange func(cfg *Config)) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	stat, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:     absPath,
		watcher:  fsw,
		debounce: 250 * time.Millisecond,
		OnChange: onChange,
		modTime:  stat.ModTime(),
		size:     stat.Size(),
	}, nil
}

// Run blocks until ctx is cancelled, reloading on write or create events for
// the watched file.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if abs, err := filepath.Abs(event.Name); err != nil || abs != w.path {
				continue
			}
			// Debounce bursts of writes from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			monitoring.Warnf("config watcher: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	stat, err := os.Stat(w.path)
	if err != nil {
		monitoring.Warnf("config reload: %v", err)
		return
	}

	w.mu.Lock()
	unchanged := stat.ModTime().Equal(w.modTime) && stat.Size() == w.size
	w.modTime, w.size = stat.ModTime(), stat.Size()
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		monitoring.Warnf("config reload rejected, keeping previous settings: %v", err)
		return
	}
	monitoring.Infof("config reloaded from %s", w.path)
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}

// Close releases the underlying watcher without waiting for Run.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
