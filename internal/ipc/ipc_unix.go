//go:build !windows

package ipc

import (
	"net"
	"os"
	"path/filepath"
)

// DefaultAddr is the per-user socket path used when no address is
// configured.
func DefaultAddr() string {
	return filepath.Join(os.TempDir(), "ringline.sock")
}

func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, os.ErrInvalid
	}
	_ = os.Remove(addr)
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	// Only the owning user may drive the daemon.
	if err := os.Chmod(addr, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

func Dial(addr string) (net.Conn, error) {
	if addr == "" {
		return nil, os.ErrInvalid
	}
	return net.Dial("unix", addr)
}
