//go:build linux

package vhci

import (
	baseerrors "errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// errnoPortBusy reports whether a control write failed because the kernel
// considers the target port occupied.
func errnoPortBusy(err error) bool {
	var errno syscall.Errno
	return baseerrors.As(err, &errno) && errno == unix.EBUSY
}

// errnoPortAlreadyFree reports whether a detach write failed because the
// kernel already considers the port free.
func errnoPortAlreadyFree(err error) bool {
	var errno syscall.Errno
	if !baseerrors.As(err, &errno) {
		return false
	}
	return errno == unix.EINVAL || errno == unix.ENODEV
}
