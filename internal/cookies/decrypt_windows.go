package cookies

import (
	"context"
	"syscall"
	"unsafe"
)

var (
	crypt32        = syscall.NewLazyDLL("crypt32.dll")
	kernel32       = syscall.NewLazyDLL("kernel32.dll")
	cryptUnprotect = crypt32.NewProc("CryptUnprotectData")
	localFree      = kernel32.NewProc("LocalFree")
)

type dataBlob struct {
	cbData uint32
	pbData *byte
}

// decryptPlatform decrypts a cookie blob with the user-scoped Windows data
// protection API.
func decryptPlatform(_ context.Context, blob []byte) []byte {
	if len(blob) == 0 {
		return nil
	}
	in := dataBlob{cbData: uint32(len(blob)), pbData: &blob[0]}
	var out dataBlob
	r, _, _ := cryptUnprotect.Call(
		uintptr(unsafe.Pointer(&in)), 0, 0, 0, 0, 0,
		uintptr(unsafe.Pointer(&out)))
	if r == 0 {
		return nil
	}
	defer localFree.Call(uintptr(unsafe.Pointer(out.pbData)))
	plain := make([]byte, out.cbData)
	copy(plain, unsafe.Slice(out.pbData, out.cbData))
	return plain
}
