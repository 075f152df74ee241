package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher re-syncs the catalog when catalog files change. Bursts of
// events within the debounce window trigger one sync.
type Watcher struct {
	sync     *SyncService
	debounce time.Duration
	logger   *slog.Logger
	// ready is closed once directories are registered; synced receives a
	// value after each sync.
	ready  chan struct{}
	synced chan struct{}
}

func NewWatcher(svc *SyncService, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{sync: svc, debounce: debounce, logger: logger, ready: make(chan struct{}), synced: make(chan struct{}, 1)}
}

// Run watches until ctx is done. Directories created after start are not
// watched until restart.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dirs := walkDirs(w.sync.Dirs())
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			w.logger.Warn("cannot watch catalog dir", "dir", d, "error", err)
		}
	}
	w.logger.Info("watching pattern catalog", "dirs", len(dirs))
	close(w.ready)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isCatalogFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", "error", err)
		case <-fire:
			fire = nil
			if _, err := w.sync.Sync(ctx); err != nil {
				w.logger.Error("catalog resync failed", "error", err)
			}
			select {
			case w.synced <- struct{}{}:
			default:
			}
		}
	}
}
