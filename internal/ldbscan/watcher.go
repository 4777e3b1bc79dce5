package ldbscan

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sessync/ses-local/internal/notify"
)

// DefaultDebounce is the window within which filesystem event bursts
// coalesce into a single scan.
const DefaultDebounce = 3 * time.Second

// Watcher drives scans of the local-storage directory: one immediately per
// event burst, plus a periodic fallback for missed events. Every scan that
// finds ids publishes one activity event.
type Watcher struct {
	dir      string
	notifier *notify.Notifier
	interval time.Duration
	debounce time.Duration

	mu      sync.Mutex
	window  bool // a debounce window is open
	pending bool // events arrived while the window was open
}

// NewWatcher creates a local-storage watcher. interval is the periodic
// fallback cadence.
func NewWatcher(dir string, notifier *notify.Notifier, interval time.Duration) *Watcher {
	return &Watcher{dir: dir, notifier: notifier, interval: interval, debounce: DefaultDebounce}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.Stat(w.dir); err != nil {
		slog.Info("local-storage dir missing, scanner idle", "dir", w.dir)
		<-ctx.Done()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		slog.Warn("watch local-storage dir failed", "dir", w.dir, "error", err)
	}

	w.scan(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan(ctx)
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".ldb") {
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.kick(ctx)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("local-storage watch error", "error", err)
		}
	}
}

// kick requests a scan. The first event of a burst scans immediately and
// opens a debounce window; events inside the window coalesce into at most
// one trailing scan when the window closes.
func (w *Watcher) kick(ctx context.Context) {
	w.mu.Lock()
	if w.window {
		w.pending = true
		w.mu.Unlock()
		return
	}
	w.window = true
	w.mu.Unlock()

	w.scan(ctx)

	time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		rerun := w.pending
		w.pending = false
		w.window = false
		w.mu.Unlock()
		if rerun && ctx.Err() == nil {
			w.kick(ctx)
		}
	})
}

// scan runs one extraction pass and publishes the resulting id set.
func (w *Watcher) scan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ids, err := Scan(w.dir)
	if err != nil {
		slog.Warn("local-storage scan failed", "dir", w.dir, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	slog.Debug("local-storage scan complete", "conversations", len(ids))
	w.notifier.Publish(notify.ActivityEvent{Timestamp: time.Now().UTC(), ConversationIDs: ids})
}
