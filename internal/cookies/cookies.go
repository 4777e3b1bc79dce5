// Package cookies recovers the claude.ai session cookie from the desktop
// client's cookie database. Every failure path returns an empty string:
// the caller treats a missing cookie as "feature unavailable", never as an
// error.
package cookies

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// cookieNames is the ordered list of candidate session cookies; the first
// hit wins.
var cookieNames = []string{"sessionKey", "__Secure-next-auth.session-token", "sessionToken"}

// Extract returns the decrypted claude.ai session cookie from the cookie
// database at dbPath, or "" when anything along the way fails.
func Extract(ctx context.Context, dbPath string) string {
	tmp, err := copyDatabase(dbPath)
	if err != nil {
		slog.Debug("cookie db copy failed", "path", dbPath, "error", err)
		return ""
	}
	defer os.Remove(tmp)

	db, err := sql.Open("sqlite", "file:"+tmp+"?mode=ro")
	if err != nil {
		slog.Debug("cookie db open failed", "error", err)
		return ""
	}
	defer db.Close()

	for _, name := range cookieNames {
		var value string
		var encrypted []byte
		err := db.QueryRowContext(ctx, `
			SELECT value, encrypted_value FROM cookies
			WHERE host_key LIKE '%claude.ai' AND name = ?
			LIMIT 1`, name).Scan(&value, &encrypted)
		if err != nil {
			continue
		}
		if value != "" {
			return value
		}
		if plain := decrypt(ctx, encrypted); plain != "" {
			return plain
		}
	}
	return ""
}

// decrypt handles the Chromium value envelope: a v10/v11 prefix marks an
// encrypted blob, anything already printable is taken as plaintext.
func decrypt(ctx context.Context, blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	if len(blob) > 3 && (string(blob[:3]) == "v10" || string(blob[:3]) == "v11") {
		plain := decryptPlatform(ctx, blob[3:])
		if plain == nil || !utf8.Valid(plain) {
			return ""
		}
		return string(plain)
	}
	if len(blob) > 10 && printableNoNull(blob) {
		return string(blob)
	}
	return ""
}

func printableNoNull(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}

func copyDatabase(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "ses-cookies-*")
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
