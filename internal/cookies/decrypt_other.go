//go:build !darwin && !windows

package cookies

import "context"

// decryptPlatform is absent on Linux: there is no Claude desktop build to
// read cookies from, so the extractor degrades to "no cookie".
func decryptPlatform(_ context.Context, _ []byte) []byte {
	return nil
}
