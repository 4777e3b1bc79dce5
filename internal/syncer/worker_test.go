package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sessync/ses-local/internal/remote"
	"github.com/sessync/ses-local/internal/store"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) GetAccessToken(context.Context) (string, error) {
	return s.token, s.err
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedSession(t *testing.T, st *store.Store) *store.Session {
	t.Helper()
	ctx := context.Background()
	updated := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	sess := &store.Session{
		Source:      store.SourceClaudeChat,
		ExternalID:  "conv-sync-1",
		Title:       "deploy question",
		CreatedAt:   updated.Add(-time.Hour),
		UpdatedAt:   updated,
		ContentHash: store.ContentHash("conv-sync-1", updated, 2),
	}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	msgs := []store.Message{
		{SessionID: sess.ID, Role: "user", Content: "how do I roll back a deploy", CreatedAt: updated.Add(-time.Hour)},
		{SessionID: sess.ID, Role: "assistant", Content: "pin the previous image tag and redeploy", CreatedAt: updated},
	}
	if err := st.UpsertMessages(ctx, msgs); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	return sess
}

func TestPass_SyncsDocumentAndMemory(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st)

	var docBody map[string]any
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&docBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "doc-123"})
	}))
	defer docs.Close()

	mems := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "mem-9"})
	}))
	defer mems.Close()

	w := NewWorker(st, staticTokens{token: "tok-1"}, docs.URL, mems.URL, "tenant-a")
	synced, err := w.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if synced != 1 {
		t.Fatalf("synced = %d, want 1", synced)
	}

	if docBody["tenantId"] != "tenant-a" {
		t.Errorf("tenantId = %v", docBody["tenantId"])
	}
	if docBody["documentTypeId"] != float64(documentTypeID) {
		t.Errorf("documentTypeId = %v", docBody["documentTypeId"])
	}
	if docBody["contentHash"] != sess.ContentHash {
		t.Errorf("contentHash = %v, want %v", docBody["contentHash"], sess.ContentHash)
	}
	meta, _ := docBody["metadata"].(string)
	if !strings.Contains(meta, "roll back a deploy") {
		t.Errorf("metadata transcript missing message text: %q", meta)
	}

	ctx := context.Background()
	entry, err := st.GetLedger(ctx, sess.Source, sess.ExternalID)
	if err != nil || entry == nil {
		t.Fatalf("ledger missing: %v", err)
	}
	if entry.DocServiceID != "doc-123" {
		t.Errorf("doc id = %q, want doc-123", entry.DocServiceID)
	}
	if !entry.MemorySynced {
		t.Error("memory_synced not set after successful memory push")
	}

	memories, _ := st.RecentMemories(ctx, 5)
	if len(memories) != 1 {
		t.Fatalf("memories = %d, want 1", len(memories))
	}
	if !strings.HasPrefix(memories[0].Content, "pin the previous image tag") {
		t.Errorf("memory content = %q", memories[0].Content)
	}

	// Nothing pending: the follow-up pass is a no-op.
	synced, err = w.Pass(ctx)
	if err != nil {
		t.Fatalf("second Pass: %v", err)
	}
	if synced != 0 {
		t.Errorf("second pass synced = %d, want 0", synced)
	}
}

func TestPass_MemoryDenialDoesNotBlockDocumentSync(t *testing.T) {
	st := openTestStore(t)
	sess := seedSession(t, st)

	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "doc-456"})
	}))
	defer docs.Close()

	mems := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer mems.Close()

	w := NewWorker(st, staticTokens{token: "tok-1"}, docs.URL, mems.URL, "tenant-a")
	synced, err := w.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if synced != 1 {
		t.Fatalf("synced = %d, want 1 despite memory 401", synced)
	}

	entry, _ := st.GetLedger(context.Background(), sess.Source, sess.ExternalID)
	if entry == nil || entry.DocServiceID != "doc-456" {
		t.Fatalf("document sync not recorded: %+v", entry)
	}
	if entry.MemorySynced {
		t.Error("memory_synced set even though the push was denied")
	}
}

func TestPass_NotSignedInIsSilentNoop(t *testing.T) {
	st := openTestStore(t)
	seedSession(t, st)

	w := NewWorker(st, staticTokens{err: remote.MissingAuth("refresh token")}, "http://127.0.0.1:1", "", "t")
	synced, err := w.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if synced != 0 {
		t.Errorf("synced = %d, want 0 when signed out", synced)
	}
}

func TestPass_DocumentFailureLeavesSessionPending(t *testing.T) {
	st := openTestStore(t)
	seedSession(t, st)

	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer docs.Close()

	w := NewWorker(st, staticTokens{token: "tok-1"}, docs.URL, "", "t")
	synced, err := w.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if synced != 0 {
		t.Errorf("synced = %d, want 0", synced)
	}

	pending, _ := st.GetPendingSync(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1 (retried next pass)", len(pending))
	}
}

func TestFormatTranscript(t *testing.T) {
	updated := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	sess := &store.Session{Source: store.SourceClaudeChat, ExternalID: "c1", Title: "t", UpdatedAt: updated}
	msgs := []store.Message{
		{Role: "user", Content: "question", CreatedAt: updated.Add(-time.Minute)},
		{Role: "assistant", Content: "answer", CreatedAt: updated},
	}

	out := FormatTranscript(sess, msgs)
	for _, want := range []string{"# t", "## User", "## Assistant", "question", "answer"} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "question") > strings.Index(out, "answer") {
		t.Error("messages out of order in transcript")
	}
}

func TestFirstAssistantExcerpt_Truncates(t *testing.T) {
	long := strings.Repeat("x", 600)
	msgs := []store.Message{
		{Role: "user", Content: "ignored"},
		{Role: "assistant", Content: long},
	}
	got := firstAssistantExcerpt(msgs, 500)
	if len([]rune(got)) != 501 {
		t.Errorf("excerpt length = %d runes, want 500 + ellipsis", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("excerpt missing ellipsis: %q", got[len(got)-8:])
	}
	if got := firstAssistantExcerpt(msgs[:1], 500); got != "" {
		t.Errorf("user-only excerpt = %q, want empty", got)
	}
}
