// Package claudeapi is a thin client for the claude.ai conversation API:
// cookie-authenticated, paginated JSON, capped at 5 requests per second.
package claudeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/sessync/ses-local/internal/remote"
)

const (
	// DefaultBaseURL is the conversation provider origin.
	DefaultBaseURL = "https://claude.ai"

	// pageLimit is the provider's listing page size.
	pageLimit = 50

	// requestsPerSecond caps the client's call rate; the provider throttles
	// aggressively above this.
	requestsPerSecond = 5

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// CookieFunc supplies the provider session cookie; empty means unavailable.
type CookieFunc func(ctx context.Context) string

// ConversationMeta is one row of the paginated conversation listing.
type ConversationMeta struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation is the full conversation payload.
type Conversation struct {
	UUID         string        `json:"uuid"`
	Name         string        `json:"name"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ChatMessages []ChatMessage `json:"chat_messages"`
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	UUID      string    `json:"uuid"`
	Sender    string    `json:"sender"` // "human" | "assistant"
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Client talks to the conversation provider. One instance shares its rate
// limiter across all callers.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	cookie  CookieFunc
	tracer  trace.Tracer

	mu    sync.Mutex
	orgID string // cached for the client's lifetime
}

// NewClient creates a provider client using cookie for authentication.
func NewClient(baseURL string, cookie CookieFunc) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		// Burst 1 keeps every rolling second at or under the cap; a
		// larger burst would let back-to-back permits exceed it.
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		cookie:  cookie,
		tracer:  otel.Tracer("ses-local/claudeapi"),
	}
}

// OrgID returns the working organization id: the first org of the account,
// cached after the first successful lookup.
func (c *Client) OrgID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.orgID != "" {
		id := c.orgID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var orgs []struct {
		UUID string `json:"uuid"`
	}
	if err := c.get(ctx, "/api/organizations", &orgs); err != nil {
		return "", err
	}
	if len(orgs) == 0 {
		return "", &remote.Error{Kind: remote.Permanent, Err: fmt.Errorf("account has no organizations")}
	}

	c.mu.Lock()
	c.orgID = orgs[0].UUID
	c.mu.Unlock()
	return orgs[0].UUID, nil
}

// ListConversations pages through the conversation listing, invoking fn per
// metadata row. fn returning false halts pagination early.
func (c *Client) ListConversations(ctx context.Context, fn func(ConversationMeta) bool) error {
	orgID, err := c.OrgID(ctx)
	if err != nil {
		return err
	}
	for offset := 0; ; offset += pageLimit {
		var page []ConversationMeta
		path := fmt.Sprintf("/api/organizations/%s/chat_conversations?limit=%d&offset=%d", orgID, pageLimit, offset)
		if err := c.get(ctx, path, &page); err != nil {
			return err
		}
		for _, meta := range page {
			if !fn(meta) {
				return nil
			}
		}
		if len(page) < pageLimit {
			return nil
		}
	}
}

// GetConversation fetches one full conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	ctx, span := c.tracer.Start(ctx, "claudeapi.fetch")
	defer span.End()

	orgID, err := c.OrgID(ctx)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	path := fmt.Sprintf("/api/organizations/%s/chat_conversations/%s", orgID, id)
	if err := c.get(ctx, path, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// get performs a rate-limited, cookie-authenticated GET and decodes the
// JSON response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	cookie := c.cookie(ctx)
	if cookie == "" {
		return remote.MissingAuth("provider session cookie")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	// The provider accepts the session under either header; send both.
	req.Header.Set("Cookie", "sessionKey="+cookie)
	req.Header.Set("X-Session-Key", cookie)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &remote.Error{Kind: remote.Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return remote.FromStatus(resp.StatusCode, fmt.Errorf("GET %s: %s", path, body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
