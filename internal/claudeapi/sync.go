package claudeapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/sessync/ses-local/internal/remote"
	"github.com/sessync/ses-local/internal/store"
)

// DefaultIncrementalWindow is how far back an incremental pass looks when
// no explicit cutoff is given.
const DefaultIncrementalWindow = 24 * time.Hour

// Syncer pulls provider conversations into the local store in one of three
// modes: everything, an explicit id set, or only recently updated.
type Syncer struct {
	client *Client
	store  *store.Store
}

// NewSyncer wires a provider client to the local store.
func NewSyncer(client *Client, st *store.Store) *Syncer {
	return &Syncer{client: client, store: st}
}

// SyncBulk fetches every conversation of the account.
func (s *Syncer) SyncBulk(ctx context.Context) error {
	var ids []string
	err := s.client.ListConversations(ctx, func(meta ConversationMeta) bool {
		ids = append(ids, meta.UUID)
		return true
	})
	if err != nil {
		return err
	}
	slog.Info("bulk sync", "conversations", len(ids))
	return s.fetchAll(ctx, ids)
}

// SyncTargeted fetches exactly the given conversation ids.
func (s *Syncer) SyncTargeted(ctx context.Context, ids []string) error {
	slog.Debug("targeted sync", "conversations", len(ids))
	return s.fetchAll(ctx, ids)
}

// SyncIncremental walks the listing newest-first and stops at the first
// conversation older than the cutoff (zero cutoff = 24 h ago).
func (s *Syncer) SyncIncremental(ctx context.Context, cutoff time.Time) error {
	if cutoff.IsZero() {
		cutoff = time.Now().Add(-DefaultIncrementalWindow)
	}
	var ids []string
	err := s.client.ListConversations(ctx, func(meta ConversationMeta) bool {
		if meta.UpdatedAt.Before(cutoff) {
			return false
		}
		ids = append(ids, meta.UUID)
		return true
	})
	if err != nil {
		return err
	}
	slog.Debug("incremental sync", "conversations", len(ids), "cutoff", cutoff)
	return s.fetchAll(ctx, ids)
}

// fetchAll pulls each conversation and upserts it. Per-conversation
// failures are logged and skipped; missing auth aborts the whole pass.
func (s *Syncer) fetchAll(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conv, err := s.client.GetConversation(ctx, id)
		if err != nil {
			if remote.KindOf(err) == remote.AuthMissing {
				return err
			}
			slog.Warn("conversation fetch failed", "id", id, "error", err)
			continue
		}
		if err := s.ingest(ctx, conv); err != nil {
			slog.Warn("conversation ingest failed", "id", id, "error", err)
		}
	}
	return nil
}

// ingest upserts one conversation and its messages.
func (s *Syncer) ingest(ctx context.Context, conv *Conversation) error {
	sess := store.Session{
		Source:      store.SourceClaudeChat,
		ExternalID:  conv.UUID,
		Title:       conv.Name,
		CreatedAt:   conv.CreatedAt,
		UpdatedAt:   conv.UpdatedAt,
		ContentHash: store.ContentHash(conv.UUID, conv.UpdatedAt, len(conv.ChatMessages)),
	}
	if err := s.store.UpsertSession(ctx, &sess); err != nil {
		return err
	}

	msgs := make([]store.Message, 0, len(conv.ChatMessages))
	for _, cm := range conv.ChatMessages {
		role := "assistant"
		if cm.Sender == "human" {
			role = "user"
		}
		msgs = append(msgs, store.Message{
			SessionID: sess.ID,
			Role:      role,
			Content:   cm.Text,
			CreatedAt: cm.CreatedAt,
		})
	}
	return s.store.UpsertMessages(ctx, msgs)
}
