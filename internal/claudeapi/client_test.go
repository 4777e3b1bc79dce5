package claudeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/sessync/ses-local/internal/remote"
	"github.com/sessync/ses-local/internal/store"
)

func staticCookie(v string) CookieFunc {
	return func(context.Context) string { return v }
}

// fakeProvider serves the org listing, a paginated conversation listing and
// individual conversations the way the real API shapes them.
type fakeProvider struct {
	metas    []ConversationMeta
	convs    map[string]*Conversation
	requests []string
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, r.URL.Path)
		if cookie := r.Header.Get("Cookie"); cookie != "sessionKey=sk-test" {
			t.Errorf("Cookie header = %q", cookie)
		}
		if r.Header.Get("X-Session-Key") != "sk-test" {
			t.Errorf("X-Session-Key = %q", r.Header.Get("X-Session-Key"))
		}
		json.NewEncoder(w).Encode([]map[string]string{{"uuid": "org-1"}, {"uuid": "org-2"}})
	})
	mux.HandleFunc("/api/organizations/org-1/chat_conversations", func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, r.URL.Path+"?"+r.URL.RawQuery)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := offset + pageLimit
		if end > len(f.metas) {
			end = len(f.metas)
		}
		if offset > len(f.metas) {
			offset = len(f.metas)
		}
		json.NewEncoder(w).Encode(f.metas[offset:end])
	})
	mux.HandleFunc("/api/organizations/org-1/chat_conversations/", func(w http.ResponseWriter, r *http.Request) {
		id := filepath.Base(r.URL.Path)
		conv, ok := f.convs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(conv)
	})
	return mux
}

func TestListConversations_PaginatesUntilShortPage(t *testing.T) {
	fp := &fakeProvider{}
	for i := 0; i < pageLimit+3; i++ {
		fp.metas = append(fp.metas, ConversationMeta{UUID: fmt.Sprintf("conv-%03d", i)})
	}
	srv := httptest.NewServer(fp.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, staticCookie("sk-test"))
	var got []string
	err := c.ListConversations(context.Background(), func(m ConversationMeta) bool {
		got = append(got, m.UUID)
		return true
	})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(got) != pageLimit+3 {
		t.Errorf("rows = %d, want %d", len(got), pageLimit+3)
	}

	// Two listing pages plus one org lookup.
	listCalls := 0
	for _, p := range fp.requests {
		if p != "/api/organizations" {
			listCalls++
		}
	}
	if listCalls != 2 {
		t.Errorf("listing requests = %d, want 2", listCalls)
	}
}

func TestListConversations_EarlyHalt(t *testing.T) {
	fp := &fakeProvider{metas: []ConversationMeta{{UUID: "a"}, {UUID: "b"}, {UUID: "c"}}}
	srv := httptest.NewServer(fp.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, staticCookie("sk-test"))
	var got []string
	err := c.ListConversations(context.Background(), func(m ConversationMeta) bool {
		got = append(got, m.UUID)
		return len(got) < 2
	})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("rows = %d, want 2 after halt", len(got))
	}
}

func TestGet_MissingCookieIsAuthMissing(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", staticCookie(""))
	err := c.ListConversations(context.Background(), func(ConversationMeta) bool { return true })
	if remote.KindOf(err) != remote.AuthMissing {
		t.Errorf("kind = %v, want AuthMissing", remote.KindOf(err))
	}
}

func TestGet_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   remote.Kind
	}{
		{http.StatusUnauthorized, remote.AuthDenied},
		{http.StatusForbidden, remote.AuthDenied},
		{http.StatusNotFound, remote.Permanent},
		{http.StatusBadGateway, remote.Transient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, staticCookie("sk-test"))
			_, err := c.OrgID(context.Background())
			if remote.KindOf(err) != tt.want {
				t.Errorf("kind = %v, want %v", remote.KindOf(err), tt.want)
			}
		})
	}
}

func TestSyncIncremental_StopsAtCutoff(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fp := &fakeProvider{
		metas: []ConversationMeta{
			{UUID: "fresh", UpdatedAt: now.Add(-time.Hour)},
			{UUID: "stale", UpdatedAt: now.Add(-48 * time.Hour)},
			{UUID: "ancient", UpdatedAt: now.Add(-400 * time.Hour)},
		},
		convs: map[string]*Conversation{
			"fresh": {
				UUID:      "fresh",
				Name:      "fresh one",
				CreatedAt: now.Add(-2 * time.Hour),
				UpdatedAt: now.Add(-time.Hour),
				ChatMessages: []ChatMessage{
					{Sender: "human", Text: "hello", CreatedAt: now.Add(-2 * time.Hour)},
					{Sender: "assistant", Text: "hi", CreatedAt: now.Add(-time.Hour)},
				},
			},
		},
	}
	srv := httptest.NewServer(fp.handler(t))
	defer srv.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	defer st.Close()

	s := NewSyncer(NewClient(srv.URL, staticCookie("sk-test")), st)
	if err := s.SyncIncremental(context.Background(), now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("SyncIncremental: %v", err)
	}

	ctx := context.Background()
	sess, err := st.GetSession(ctx, store.SourceClaudeChat, "fresh")
	if err != nil || sess == nil {
		t.Fatalf("fresh conversation not ingested: %v", err)
	}
	msgs, _ := st.GetMessages(ctx, sess.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" {
		t.Errorf("human sender mapped to %q, want user", msgs[0].Role)
	}

	if stale, _ := st.GetSession(ctx, store.SourceClaudeChat, "stale"); stale != nil {
		t.Error("conversation older than cutoff was ingested")
	}
}

func TestSyncTargeted_SkipsFailedFetches(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fp := &fakeProvider{
		convs: map[string]*Conversation{
			"ok-1": {
				UUID: "ok-1", Name: "works", CreatedAt: now, UpdatedAt: now,
				ChatMessages: []ChatMessage{{Sender: "human", Text: "x", CreatedAt: now}},
			},
		},
	}
	srv := httptest.NewServer(fp.handler(t))
	defer srv.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	defer st.Close()

	s := NewSyncer(NewClient(srv.URL, staticCookie("sk-test")), st)
	if err := s.SyncTargeted(context.Background(), []string{"missing-1", "ok-1"}); err != nil {
		t.Fatalf("SyncTargeted: %v", err)
	}

	sess, _ := st.GetSession(context.Background(), store.SourceClaudeChat, "ok-1")
	if sess == nil {
		t.Error("surviving conversation not ingested after sibling 404")
	}
}

func TestClient_RateLimit(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticCookie("sk-test"))
	if c.limiter.Limit() != rate.Limit(requestsPerSecond) {
		t.Fatalf("limiter rate = %v, want %d", c.limiter.Limit(), requestsPerSecond)
	}

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		var out map[string]any
		if err := c.get(ctx, "/ping", &out); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}

	// No rolling second may see more than 5 arrivals. The window is
	// shortened slightly to absorb measurement jitter.
	const window = 950 * time.Millisecond
	mu.Lock()
	defer mu.Unlock()
	for i := range arrivals {
		n := 0
		for j := i; j < len(arrivals); j++ {
			if arrivals[j].Sub(arrivals[i]) < window {
				n++
			}
		}
		if n > requestsPerSecond {
			t.Fatalf("%d arrivals inside %v starting at request %d", n, window, i)
		}
	}
}
