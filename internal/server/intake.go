package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sessync/ses-local/internal/store"
)

// DefaultIntakeAddr is the loopback address browser extensions push to.
const DefaultIntakeAddr = "127.0.0.1:37780"

// IntakeAuth is the slice of the auth service the intake needs: the PAT
// that guards the push endpoint and the browser sign-in callback.
type IntakeAuth interface {
	GetPat(ctx context.Context) string
	HandleAuthCallback(ctx context.Context, refresh, access string) error
}

// Intake is the loopback HTTP server accepting conversation pushes from
// co-resident browser extensions.
type Intake struct {
	addr  string
	store *store.Store
	auth  IntakeAuth
}

// NewIntake creates the intake server. An empty addr selects the default
// loopback port.
func NewIntake(addr string, st *store.Store, auth IntakeAuth) *Intake {
	if addr == "" {
		addr = DefaultIntakeAddr
	}
	return &Intake{addr: addr, store: st, auth: auth}
}

// Run serves until ctx is cancelled.
func (s *Intake) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	slog.Info("intake listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("intake serve: %w", err)
	}
	return nil
}

// Handler returns the intake routes. Exposed for tests.
func (s *Intake) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync/conversations", s.handleConversations)
	mux.HandleFunc("/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("/", s.handleFallback)
	return mux
}

// handleFallback answers preflights on any path; everything else is 404.
func (s *Intake) handleFallback(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

// conversationPush is the extension payload: whole conversations, replayed
// in full on every push. Same field names the provider API uses.
type conversationPush struct {
	Conversations []pushedConversation `json:"conversations"`
}

type pushedConversation struct {
	UUID      string          `json:"uuid"`
	Source    string          `json:"source"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []pushedMessage `json:"messages"`
}

type pushedMessage struct {
	UUID      string    `json:"uuid"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Intake) handleConversations(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	var push conversationPush
	if err := decodeBody(r, &push); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	synced := 0
	for i := range push.Conversations {
		if err := s.ingest(r.Context(), &push.Conversations[i]); err != nil {
			slog.Warn("intake ingest failed", "conversation", push.Conversations[i].UUID, "error", err)
			continue
		}
		synced++
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": synced})
}

// authorized compares the bearer token against the stored PAT in constant
// time. No PAT configured means the endpoint is closed.
func (s *Intake) authorized(r *http.Request) bool {
	pat := s.auth.GetPat(r.Context())
	if pat == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(pat)) == 1
}

func (s *Intake) ingest(ctx context.Context, conv *pushedConversation) error {
	if conv.UUID == "" {
		return fmt.Errorf("conversation missing uuid")
	}
	source := store.SourceCowork
	if conv.Source == string(store.SourceChatGpt) {
		source = store.SourceChatGpt
	}
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	created := conv.CreatedAt
	if created.IsZero() {
		created = updated
	}

	sess := &store.Session{
		Source:      source,
		ExternalID:  conv.UUID,
		Title:       conv.Name,
		CreatedAt:   created,
		UpdatedAt:   updated,
		ContentHash: store.ContentHash(conv.UUID, updated, len(conv.Messages)),
	}
	if err := s.store.UpsertSession(ctx, sess); err != nil {
		return err
	}

	msgs := make([]store.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		role := "assistant"
		if m.Sender == "human" || m.Sender == "user" {
			role = "user"
		}
		ts := m.CreatedAt
		if ts.IsZero() {
			ts = updated
		}
		msgs = append(msgs, store.Message{
			SessionID: sess.ID,
			Role:      role,
			Content:   m.Text,
			CreatedAt: ts,
		})
	}
	return s.store.UpsertMessages(ctx, msgs)
}

func (s *Intake) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	refresh := r.URL.Query().Get("refresh")
	access := r.URL.Query().Get("access")
	if err := s.auth.HandleAuthCallback(r.Context(), refresh, access); err != nil {
		slog.Warn("auth callback rejected", "error", err)
		serveHTML(w, http.StatusBadRequest, authFailurePage)
		return
	}
	serveHTML(w, http.StatusOK, authSuccessPage)
}

// setCORS allows the browser-extension origin to preflight and call the
// intake. The wildcard origin pattern is what the capture extension expects.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "chrome-extension://*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body")
	}
	return nil
}

func serveHTML(w http.ResponseWriter, status int, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(page))
}

const authSuccessPage = `<!doctype html>
<html><head><title>Signed in</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em">
<h1>Signed in</h1>
<p>ses-local is now connected. You can close this tab.</p>
</body></html>`

const authFailurePage = `<!doctype html>
<html><head><title>Sign-in failed</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em">
<h1>Sign-in failed</h1>
<p>The sign-in link was incomplete. Please try again from the app.</p>
</body></html>`
