//go:build linux
// +build linux

// Package vhosttest provides shared helpers for vhost tests.
package vhosttest

import (
	"errors"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// SocketPair produces a connected pair of UNIX stream sockets which
// carry ancillary file descriptors. Both ends are closed when the test
// completes.
func SocketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("failed to create socket pair: %v", err)
	}

	return fileConn(t, fds[0], "local"), fileConn(t, fds[1], "remote")
}

func fileConn(t *testing.T, fd int, name string) *net.UnixConn {
	t.Helper()

	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("failed to create %s conn: %v", name, err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})

	uc, ok := c.(*net.UnixConn)
	if !ok {
		t.Fatalf("%s conn is %T, not *net.UnixConn", name, c)
	}

	return uc
}

// Eventfd produces an eventfd descriptor, closed when the test
// completes.
func Eventfd(t *testing.T) *os.File {
	t.Helper()

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("failed to create eventfd: %v", err)
	}

	f := os.NewFile(uintptr(fd), "eventfd")
	t.Cleanup(func() {
		_ = f.Close()
	})

	return f
}

// SkipDeviceError skips a test when err indicates that a vhost helper
// device is missing or off limits, as is typical in unprivileged or
// containerized environments.
func SkipDeviceError(t *testing.T, err error) {
	t.Helper()

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) ||
		errors.Is(err, unix.ENODEV) {
		t.Skipf("skipping, vhost device unavailable: %v", err)
	}
}
