// Package ldbscan enumerates conversation ids used by the Claude desktop
// client. Its Local Storage backend is an append-structured database we do
// not parse natively: the client writes its keys as cleartext strings, so a
// byte scan over printable ASCII runs is sufficient to recover them.
package ldbscan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// keyPattern matches the conversation key prefix the desktop client writes:
// LSS-<uuid>: (case-insensitive).
var keyPattern = regexp.MustCompile(`(?i)LSS-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}):`)

// minRunLength is the shortest printable ASCII run worth matching against.
const minRunLength = 8

// Scan extracts the deduplicated, lowercased set of conversation UUIDs from
// every *.ldb file under dir. A missing directory or unreadable file yields
// an empty (or partial) set, never an error that stops the scan.
func Scan(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ldb"))
	if err != nil {
		return nil, fmt.Errorf("glob ldb files: %w", err)
	}

	seen := make(map[string]struct{})
	for _, file := range matches {
		for _, id := range scanFile(file) {
			seen[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// scanFile copies one ldb file aside (the live database holds file locks),
// extracts printable runs and matches the key pattern. The temp copy is
// removed on every exit path.
func scanFile(path string) []string {
	tmp, err := copyToTemp(path)
	if err != nil {
		return nil
	}
	defer os.Remove(tmp)

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil
	}

	runs := printableRuns(data, minRunLength)
	var ids []string
	for _, m := range keyPattern.FindAllStringSubmatch(runs, -1) {
		id := strings.ToLower(m[1])
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// printableRuns concatenates all printable-ASCII runs of at least min bytes,
// separated so a key can never span two runs.
func printableRuns(data []byte, min int) string {
	var b strings.Builder
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start >= min {
			b.Write(data[start:end])
			b.WriteByte('\n')
		}
		start = -1
	}
	for i, c := range data {
		if c >= 0x20 && c < 0x7f {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))
	return b.String()
}

func copyToTemp(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "ses-ldb-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
