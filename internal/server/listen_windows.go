//go:build windows

package server

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// ownerOnlySD limits the pipe to the creating user and SYSTEM.
const ownerOnlySD = "D:P(A;;GA;;;SY)(A;;GA;;;OW)"

// listenControl binds the control-plane named pipe.
func listenControl(path string) (net.Listener, error) {
	return winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: ownerOnlySD,
	})
}

// DialControl connects to a running daemon's control pipe.
func DialControl(path string) (net.Conn, error) {
	timeout := 2 * time.Second
	return winio.DialPipe(path, &timeout)
}
