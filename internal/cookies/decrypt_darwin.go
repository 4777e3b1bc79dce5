package cookies

import (
	"context"
	"crypto/sha1"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// decryptPlatform decrypts a Chromium v10 cookie blob on macOS: the
// passphrase comes from the login keychain entry the client registers as
// "Claude Safe Storage", the AES key is derived the way Chromium does it.
func decryptPlatform(ctx context.Context, blob []byte) []byte {
	pass := safeStoragePassword(ctx)
	if pass == "" {
		return nil
	}
	key := pbkdf2.Key([]byte(pass), []byte("saltysalt"), 1003, 16, sha1.New)
	plain, err := decryptAESCBC(key, blob)
	if err != nil {
		return nil
	}
	return plain
}

// safeStoragePassword asks the keychain utility for the encryption
// passphrase. CI environments have no keychain; short-circuit there.
func safeStoragePassword(ctx context.Context) string {
	if os.Getenv("CI") == "true" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "security",
		"find-generic-password", "-s", "Claude Safe Storage", "-w").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
