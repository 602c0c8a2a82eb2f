//go:build linux

package vhci

import (
	"context"
	"io/fs"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

func pathErr(errno syscall.Errno) error {
	return &fs.PathError{Op: "write", Path: "/sys/bus/platform/devices/vhci_hcd.0/attach", Err: errno}
}

func TestAttachPortBusy(t *testing.T) {
	rec := newWriteRecorder()
	rec.err = pathErr(syscall.EBUSY)
	d := newTestDriver(controllerFS(statusHeader), rec)

	err := d.Attach(context.Background(), 3, 65537, usb.SpeedHigh)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortUnavailable)
}

func TestDetachAlreadyFreePortTolerated(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EINVAL, syscall.ENODEV} {
		rec := newWriteRecorder()
		rec.err = pathErr(errno)
		d := newTestDriver(controllerFS(statusHeader), rec)
		assert.NoError(t, d.Detach(context.Background(), 3), "errno %v", errno)
	}
}
