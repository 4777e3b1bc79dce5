//go:build !windows

package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// listenControl binds the control-plane Unix socket. A stale socket left by
// a crashed process is removed; a live one refuses the bind.
func listenControl(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is in use by another daemon", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restrict socket: %w", err)
	}
	return ln, nil
}

// DialControl connects to a running daemon's control socket.
func DialControl(path string) (net.Conn, error) {
	return net.DialTimeout("unix", path, 2*time.Second)
}
