package watcher

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sessync/ses-local/internal/store"
)

// logLine is one event of a Claude Code session log.
type logLine struct {
	Type      string       `json:"type"`
	Timestamp string       `json:"timestamp"`
	Cwd       string       `json:"cwd"`
	Message   *lineMessage `json:"message"`
}

type lineMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentBlock
	Usage   *lineUsage      `json:"usage"`
}

type lineUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// deferredParent records a tool_result waiting for its tool_use row id.
type deferredParent struct {
	obsIndex  int    // index into filePass.observations
	toolUseID string // source-supplied block id of the parent
}

// filePass accumulates everything extracted from one pass over a file's new
// lines. Parent links are resolved after the store assigns row ids.
type filePass struct {
	title     string
	firstTS   time.Time
	lastTS    time.Time
	messages  []store.Message
	obs       []store.Observation
	blockIDs  map[string]int // tool_use block id -> index into obs
	deferred  []deferredParent
	nextSeq   int
	sawMeta   bool
}

func newFilePass(startSeq int) *filePass {
	return &filePass{blockIDs: make(map[string]int), nextSeq: startSeq}
}

// addLine folds one parsed log line into the pass.
func (fp *filePass) addLine(ln *logLine, stem string, subagent bool) {
	if ln.Type != "user" && ln.Type != "assistant" {
		return
	}
	ts := parseTimestamp(ln.Timestamp)
	if fp.firstTS.IsZero() || ts.Before(fp.firstTS) {
		fp.firstTS = ts
	}
	if ts.After(fp.lastTS) {
		fp.lastTS = ts
	}

	// The first user line carries the session metadata.
	if ln.Type == "user" && !fp.sawMeta {
		fp.title = buildTitle(ln.Cwd, stem, subagent)
		fp.sawMeta = true
	}

	if ln.Message == nil {
		return
	}

	fp.addMessage(ln, ts)
	fp.addObservations(ln, ts)
}

// addMessage performs the legacy extraction: one flattened text message per
// user/assistant line.
func (fp *filePass) addMessage(ln *logLine, ts time.Time) {
	content := flattenContent(ln.Message.Content)
	if content == "" {
		return
	}
	role := ln.Message.Role
	if role == "" {
		role = ln.Type
	}
	m := store.Message{Role: role, Content: content, CreatedAt: ts}
	if u := ln.Message.Usage; u != nil {
		total := u.InputTokens + u.OutputTokens
		m.TokenCount = &total
	}
	fp.messages = append(fp.messages, m)
}

// addObservations performs the structured extraction: one observation per
// content block. Plain-string content yields no observations.
func (fp *filePass) addObservations(ln *logLine, ts time.Time) {
	blocks, ok := contentBlocks(ln.Message.Content)
	if !ok {
		return
	}
	for _, b := range blocks {
		o, parentRef, ok := blockObservation(b, ts)
		if !ok {
			continue
		}
		o.Sequence = fp.nextSeq
		fp.nextSeq++
		fp.obs = append(fp.obs, o)
		idx := len(fp.obs) - 1
		if b.Type == "tool_use" && b.ID != "" {
			fp.blockIDs[b.ID] = idx
		}
		if parentRef != "" {
			fp.deferred = append(fp.deferred, deferredParent{obsIndex: idx, toolUseID: parentRef})
		}
	}
}

// resolveParents translates source block ids into assigned row ids. Call
// after the store has back-populated observation ids. References crossing
// passes stay unresolved.
func (fp *filePass) resolveParents() []store.ParentUpdate {
	var out []store.ParentUpdate
	for _, d := range fp.deferred {
		parentIdx, ok := fp.blockIDs[d.toolUseID]
		if !ok {
			continue
		}
		parentID := fp.obs[parentIdx].ID
		childID := fp.obs[d.obsIndex].ID
		if parentID == 0 || childID == 0 {
			continue
		}
		out = append(out, store.ParentUpdate{ObservationID: childID, ParentID: parentID})
	}
	return out
}

// blockObservation maps one content block to an observation. The second
// return value is a tool_use_id to resolve later, the third reports whether
// the block produced an observation at all.
func blockObservation(b contentBlock, ts time.Time) (store.Observation, string, bool) {
	switch b.Type {
	case "text":
		return store.Observation{Type: store.ObsText, Content: b.Text, CreatedAt: ts}, "", true
	case "thinking":
		return store.Observation{Type: store.ObsThinking, Content: b.Thinking, CreatedAt: ts}, "", true
	case "tool_use":
		input, _ := json.Marshal(b.Input)
		return store.Observation{
			Type:      classifyToolUse(b.Name, b.Input),
			ToolName:  b.Name,
			FilePath:  extractFilePath(b.Input),
			Content:   string(input),
			CreatedAt: ts,
		}, "", true
	case "tool_result":
		content := flattenBlockContent(b.Content)
		return store.Observation{
			Type:      classifyToolResult(content),
			Content:   content,
			CreatedAt: ts,
		}, b.ToolUseID, true
	default:
		return store.Observation{}, "", false
	}
}

// classifyToolUse distinguishes git commits and test runs from generic tool
// invocations. Matching is case-insensitive substring, per the ingestion
// contract.
func classifyToolUse(name string, input map[string]any) store.ObservationType {
	if strings.EqualFold(name, "Bash") {
		cmd, _ := input["command"].(string)
		lower := strings.ToLower(cmd)
		if strings.Contains(lower, "git commit") {
			return store.ObsGitCommit
		}
		for _, probe := range []string{"dotnet test", "npm test", "pytest", "yarn test"} {
			if strings.Contains(lower, probe) {
				return store.ObsTestResult
			}
		}
	}
	return store.ObsToolUse
}

// classifyToolResult flags results whose content smells like a failure.
func classifyToolResult(content string) store.ObservationType {
	lower := strings.ToLower(content)
	for _, probe := range []string{"error", "exception", "failed"} {
		if strings.Contains(lower, probe) {
			return store.ObsError
		}
	}
	return store.ObsToolResult
}

// extractFilePath pulls a file path out of a tool input, trying the key
// names the tools actually use.
func extractFilePath(input map[string]any) string {
	for _, key := range []string{"path", "file_path", "filename"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// flattenContent builds the single-text legacy representation of a line's
// content: text blocks verbatim, tool and thinking blocks as bracketed
// summaries.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	blocks, ok := contentBlocks(raw)
	if !ok {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			input, _ := json.Marshal(b.Input)
			parts = append(parts, fmt.Sprintf("[tool_use:%s] %s", b.Name, input))
		case "tool_result":
			parts = append(parts, "[tool_result] "+flattenBlockContent(b.Content))
		case "thinking":
			parts = append(parts, "[thinking] "+b.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

// flattenBlockContent renders a tool_result content field, which is either
// a plain string or a nested block array.
func flattenBlockContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var nested []contentBlock
	if err := json.Unmarshal(raw, &nested); err == nil {
		var parts []string
		for _, b := range nested {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func contentBlocks(raw json.RawMessage) ([]contentBlock, bool) {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// buildTitle derives the session title from the working directory and the
// file stem: last path component of cwd plus an 8-character stem prefix,
// prefixed for subagent transcripts.
func buildTitle(cwd, stem string, subagent bool) string {
	prefix := stem
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	title := prefix
	if cwd != "" {
		title = filepath.Base(cwd) + "/" + prefix
	}
	if subagent {
		title = "[subagent] " + title
	}
	return title
}

func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
