package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/sessync/ses-local/internal/store"
)

// FormatTranscript renders a session and its messages as a markdown
// document for the cloud document store.
func FormatTranscript(sess *store.Session, msgs []store.Message) string {
	var b strings.Builder
	title := sess.Title
	if title == "" {
		title = sess.ExternalID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Source: %s · Updated: %s\n\n", sess.Source, sess.UpdatedAt.Format(time.RFC3339))

	for _, m := range msgs {
		heading := "Assistant"
		if m.Role == "user" {
			heading = "User"
		}
		fmt.Fprintf(&b, "## %s (%s)\n\n%s\n\n", heading, m.CreatedAt.Format(time.RFC3339), m.Content)
	}
	return b.String()
}

// firstAssistantExcerpt returns the first assistant message truncated for
// the memory-retention endpoint.
func firstAssistantExcerpt(msgs []store.Message, maxLen int) string {
	for _, m := range msgs {
		if m.Role != "assistant" || m.Content == "" {
			continue
		}
		if len(m.Content) <= maxLen {
			return m.Content
		}
		return m.Content[:maxLen] + "…"
	}
	return ""
}
