package store

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Source identifies which assistant surface produced a conversation.
type Source string

const (
	SourceClaudeChat Source = "claude_chat"
	SourceClaudeCode Source = "claude_code"
	SourceCowork     Source = "cowork"
	SourceChatGpt    Source = "chatgpt"
)

// ObservationType classifies one structured content block from a
// coding-assistant session.
type ObservationType string

const (
	ObsToolUse    ObservationType = "tool_use"
	ObsToolResult ObservationType = "tool_result"
	ObsText       ObservationType = "text"
	ObsThinking   ObservationType = "thinking"
	ObsGitCommit  ObservationType = "git_commit"
	ObsTestResult ObservationType = "test_result"
	ObsError      ObservationType = "error"
)

// Session is one conversation from any source, keyed by (source, external_id).
type Session struct {
	ID          int64
	Source      Source
	ExternalID  string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SyncedAt    *time.Time
	ContentHash string
}

// Message is one user/assistant turn owned by a session.
type Message struct {
	ID         int64
	SessionID  int64
	Role       string // "user" | "assistant"
	Content    string
	CreatedAt  time.Time
	TokenCount *int
}

// Observation is one structured event extracted from a session content block.
type Observation struct {
	ID         int64
	SessionID  int64
	Type       ObservationType
	ToolName   string // empty = NULL
	FilePath   string // empty = NULL
	Content    string
	TokenCount *int
	Sequence   int
	ParentID   *int64
	CreatedAt  time.Time
}

// ParentUpdate links a tool-result observation to its tool-use parent.
type ParentUpdate struct {
	ObservationID int64
	ParentID      int64
}

// LedgerEntry is one row of the cloud-sync ledger.
type LedgerEntry struct {
	Source       Source
	ExternalID   string
	LastSyncedAt time.Time
	DocServiceID string
	MemorySynced bool
}

// Memory is one retained memory entry served to the co-resident tool.
type Memory struct {
	ID         int64
	Content    string
	Importance int
	Tags       []string
	CreatedAt  time.Time
}

// hashTimeLayout mirrors the round-trip timestamp format the fingerprint has
// always been computed over. Changing it would re-sync every session.
const hashTimeLayout = "2006-01-02T15:04:05.0000000Z07:00"

// ContentHash returns the 16-hex-char uppercase fingerprint over
// external_id, updated_at and message count. Used only for update
// detection, never as a key.
func ContentHash(externalID string, updatedAt time.Time, messageCount int) string {
	input := fmt.Sprintf("%s:%s:%d", externalID, updatedAt.Format(hashTimeLayout), messageCount)
	sum := sha256.Sum256([]byte(input))
	return strings.ToUpper(fmt.Sprintf("%x", sum[:8]))
}

// Pending reports whether the session qualifies for cloud sync.
func (s *Session) Pending() bool {
	return s.SyncedAt == nil || s.UpdatedAt.After(*s.SyncedAt)
}
