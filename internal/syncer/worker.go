// Package syncer pushes locally harvested conversations to the cloud
// document and memory services.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sessync/ses-local/internal/remote"
	"github.com/sessync/ses-local/internal/store"
)

const (
	// The worker speeds up while there is a backlog and slows down when a
	// pass moves nothing.
	activeInterval = 2 * time.Minute
	idleInterval   = 10 * time.Minute

	batchSize = 10

	// documentTypeID marks transcripts in the document service taxonomy.
	documentTypeID = 4

	memoryExcerptLen = 500

	requestTimeout = 30 * time.Second
)

// TokenSource supplies the bearer credential for cloud calls.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// Worker is the background push loop over the pending-sync queue.
type Worker struct {
	store  *store.Store
	tokens TokenSource
	docURL string
	memURL string
	tenant string
	http   *http.Client
	tracer trace.Tracer
}

// NewWorker creates a sync worker. memURL may be empty to disable the
// memory-retention side channel.
func NewWorker(st *store.Store, tokens TokenSource, docURL, memURL, tenant string) *Worker {
	return &Worker{
		store:  st,
		tokens: tokens,
		docURL: docURL,
		memURL: memURL,
		tenant: tenant,
		http:   &http.Client{Timeout: requestTimeout},
		tracer: otel.Tracer("ses-local/syncer"),
	}
}

// Run loops until ctx is cancelled, adapting its cadence to backlog.
func (w *Worker) Run(ctx context.Context) error {
	for {
		synced, err := w.Pass(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("sync pass failed", "error", err)
		}

		interval := idleInterval
		if synced > 0 {
			interval = activeInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// Pass syncs one batch of pending sessions and reports how many it moved.
// A missing sign-in aborts the pass silently; per-session failures are
// logged and retried on the next pass.
func (w *Worker) Pass(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "sync.pass")
	defer span.End()

	token, err := w.tokens.GetAccessToken(ctx)
	if err != nil {
		if remote.KindOf(err) == remote.AuthMissing {
			slog.Debug("sync skipped, not signed in")
			return 0, nil
		}
		return 0, fmt.Errorf("access token: %w", err)
	}

	pending, err := w.store.GetPendingSync(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("sync.pending", len(pending)))

	synced := 0
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		sess := &pending[i]
		if err := w.syncSession(ctx, token, sess); err != nil {
			slog.Warn("session sync failed",
				"source", sess.Source, "external_id", sess.ExternalID, "error", err)
			continue
		}
		synced++
	}
	if synced > 0 {
		slog.Info("sync pass complete", "synced", synced, "pending", len(pending))
	}
	return synced, nil
}

// syncSession pushes one session: the transcript document first, then the
// best-effort memory excerpt, then the local ledger stamp.
func (w *Worker) syncSession(ctx context.Context, token string, sess *store.Session) error {
	msgs, err := w.store.GetMessages(ctx, sess.ID)
	if err != nil {
		return err
	}

	docID, err := w.postDocument(ctx, token, sess, msgs)
	if err != nil {
		return err
	}

	// Memory retention is best effort: a missing entitlement or a flaky
	// endpoint must not hold the document sync hostage.
	w.pushMemory(ctx, token, sess, msgs)

	if err := w.store.MarkSynced(ctx, sess.ID, docID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// postDocument uploads the transcript and returns the document service id.
func (w *Worker) postDocument(ctx context.Context, token string, sess *store.Session, msgs []store.Message) (string, error) {
	transcript := FormatTranscript(sess, msgs)
	meta, err := json.Marshal(map[string]any{
		"transcript":    transcript,
		"source":        string(sess.Source),
		"external_id":   sess.ExternalID,
		"message_count": len(msgs),
	})
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	payload := map[string]any{
		"tenantId":       w.tenant,
		"documentTypeId": documentTypeID,
		"title":          sess.Title,
		"description":    fmt.Sprintf("%s conversation %s", sess.Source, sess.ExternalID),
		"contentHash":    sess.ContentHash,
		"mimeType":       "application/json",
		"metadata":       string(meta),
		"tags":           []string{"conversation", string(sess.Source)},
		"createdBy":      "ses-local",
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := w.postJSON(ctx, token, w.docURL+"/api/documents", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// pushMemory records the first assistant reply as a retained memory, locally
// and remotely. All failures are swallowed after logging.
func (w *Worker) pushMemory(ctx context.Context, token string, sess *store.Session, msgs []store.Message) {
	excerpt := firstAssistantExcerpt(msgs, memoryExcerptLen)
	if excerpt == "" {
		return
	}

	ledger, err := w.store.GetLedger(ctx, sess.Source, sess.ExternalID)
	if err == nil && ledger != nil && ledger.MemorySynced {
		return
	}

	tags := []string{string(sess.Source), sess.ExternalID}
	memID, err := w.store.InsertMemory(ctx, excerpt, 3, tags)
	if err != nil {
		slog.Warn("record memory failed", "error", err)
		return
	}

	if w.memURL == "" {
		return
	}
	var out struct {
		ID string `json:"id"`
	}
	err = w.postJSON(ctx, token, w.memURL+"/api/memories", map[string]any{
		"content":    excerpt,
		"importance": 3,
		"tags":       tags,
	}, &out)
	if err != nil {
		switch remote.KindOf(err) {
		case remote.AuthDenied, remote.AuthMissing:
			slog.Debug("memory service declined", "error", err)
		default:
			slog.Warn("memory push failed", "error", err)
		}
		return
	}

	if err := w.store.MarkMemoryRemote(ctx, memID, out.ID); err != nil {
		slog.Warn("record remote memory id failed", "error", err)
	}
	if err := w.store.MarkMemorySynced(ctx, sess.Source, sess.ExternalID); err != nil {
		slog.Warn("mark memory synced failed", "error", err)
	}
}

// postJSON sends an authenticated JSON POST and decodes the response into
// out when non-nil.
func (w *Worker) postJSON(ctx context.Context, token, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.http.Do(req)
	if err != nil {
		return &remote.Error{Kind: remote.Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return remote.FromStatus(resp.StatusCode, fmt.Errorf("%s: %s", url, bytes.TrimSpace(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
