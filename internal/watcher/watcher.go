// Package watcher tails Claude Code session logs: append-only JSONL files
// under the projects directory, one event per line. Progress is tracked as
// a per-file byte offset so restarts never re-read or skip bytes.
package watcher

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sessync/ses-local/internal/store"
)

// Watcher ingests session-log files into the local store.
type Watcher struct {
	root      string
	store     *store.Store
	positions *PositionFile
	interval  time.Duration
	tracer    trace.Tracer
}

// New creates a session-log watcher over root. interval drives the periodic
// re-scan that backstops missed filesystem events.
func New(root string, st *store.Store, positions *PositionFile, interval time.Duration) *Watcher {
	return &Watcher{
		root:      root,
		store:     st,
		positions: positions,
		interval:  interval,
		tracer:    otel.Tracer("ses-local/watcher"),
	}
}

// Run watches the tree until ctx is cancelled. The initial scan processes
// any bytes appended while the daemon was down.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.Stat(w.root); err != nil {
		slog.Info("session-log root missing, watcher idle", "root", w.root)
		<-ctx.Done()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	w.addRecursive(fsw, w.root)
	w.scanAll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scanAll(ctx)
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// New project directories must be watched as they appear.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addRecursive(fsw, ev.Name)
					continue
				}
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.processFile(ctx, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("session-log watch error", "error", err)
		}
	}
}

// addRecursive registers dir and every subdirectory with the fs watcher.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) {
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				slog.Debug("watch add failed", "path", path, "error", err)
			}
		}
		return nil
	})
}

// scanAll walks the tree and processes every session log once.
func (w *Watcher) scanAll(ctx context.Context) {
	filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		w.processFile(ctx, path)
		return nil
	})
}

// processFile reads the file's unseen bytes and ingests the complete lines.
// The offset advances only after the whole pass, including all store writes,
// has succeeded; a failing file never affects others.
func (w *Watcher) processFile(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".jsonl") {
		return
	}

	ctx, span := w.tracer.Start(ctx, "watcher.file_pass")
	defer span.End()

	offset := w.positions.Get(path)

	f, err := os.Open(path)
	if err != nil {
		slog.Debug("open session log failed", "path", path, "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Debug("stat session log failed", "path", path, "error", err)
		return
	}
	if info.Size() < offset {
		// Truncated or replaced: start over.
		offset = 0
	}
	if info.Size() == offset {
		return
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		slog.Warn("seek session log failed", "path", path, "error", err)
		return
	}

	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	subagent := strings.Contains(filepath.ToSlash(path), "/subagents/")

	startSeq, existing, err := w.sequenceStart(ctx, offset, stem)
	if err != nil {
		slog.Warn("resolve sequence start failed", "path", path, "error", err)
		return
	}

	pass := newFilePass(startSeq)
	consumed := int64(0)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// Partial trailing line: leave it for the next pass.
			break
		}
		consumed += int64(len(line))
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var ln logLine
		if jsonErr := json.Unmarshal([]byte(trimmed), &ln); jsonErr != nil {
			slog.Debug("skipping malformed session-log line", "path", path, "error", jsonErr)
			continue
		}
		pass.addLine(&ln, stem, subagent)
	}
	if consumed == 0 {
		return
	}

	if err := w.ingest(ctx, pass, stem, existing); err != nil {
		slog.Warn("session-log ingest failed", "path", path, "error", err)
		return
	}

	if err := w.positions.Set(path, offset+consumed); err != nil {
		slog.Warn("persist offset failed", "path", path, "error", err)
	}
}

// sequenceStart decides where observation sequence numbers begin for this
// pass: a fresh read starts at 0 (replays overwrite identical rows), an
// incremental read continues after the highest stored sequence.
func (w *Watcher) sequenceStart(ctx context.Context, offset int64, stem string) (int, *store.Session, error) {
	existing, err := w.store.GetSession(ctx, store.SourceClaudeCode, stem)
	if err != nil {
		return 0, nil, err
	}
	if existing == nil || offset == 0 {
		return 0, existing, nil
	}
	max, err := w.store.MaxSequence(ctx, existing.ID)
	if err != nil {
		return 0, nil, err
	}
	return max + 1, existing, nil
}

// ingest writes one pass to the store: session first (to obtain the row id),
// then messages, then observations, then the second-pass parent links.
func (w *Watcher) ingest(ctx context.Context, pass *filePass, stem string, existing *store.Session) error {
	if len(pass.messages) == 0 && len(pass.obs) == 0 {
		return nil
	}

	sess := store.Session{
		Source:     store.SourceClaudeCode,
		ExternalID: stem,
		Title:      pass.title,
		CreatedAt:  pass.firstTS,
		UpdatedAt:  pass.lastTS,
	}
	msgCount := len(pass.messages)
	if existing != nil {
		if pass.title == "" {
			sess.Title = existing.Title
		}
		sess.CreatedAt = existing.CreatedAt
		prior, err := w.store.MessageCount(ctx, existing.ID)
		if err != nil {
			return err
		}
		msgCount += prior
	}
	if sess.Title == "" {
		sess.Title = buildTitle("", stem, false)
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	sess.ContentHash = store.ContentHash(stem, sess.UpdatedAt, msgCount)

	if err := w.store.UpsertSession(ctx, &sess); err != nil {
		return err
	}
	for i := range pass.messages {
		pass.messages[i].SessionID = sess.ID
	}
	for i := range pass.obs {
		pass.obs[i].SessionID = sess.ID
	}
	if err := w.store.UpsertMessages(ctx, pass.messages); err != nil {
		return err
	}
	if err := w.store.UpsertObservations(ctx, pass.obs); err != nil {
		return err
	}
	if pairs := pass.resolveParents(); len(pairs) > 0 {
		if err := w.store.UpdateObservationParents(ctx, pairs); err != nil {
			return err
		}
	}

	slog.Debug("session log ingested",
		"session", stem, "messages", len(pass.messages), "observations", len(pass.obs))
	return nil
}
