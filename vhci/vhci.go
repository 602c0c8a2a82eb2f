// Package vhci talks to the kernel's virtual host-controller (vhci_hcd)
// control surface through sysfs. It is the only package in the bridge that
// performs raw controller I/O; everything above it sees the Driver interface
// and can substitute a fake.
package vhci

import (
	"context"
	"errors"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

// Sentinel errors for the controller error taxonomy. Callers classify with
// errors.Is.
var (
	// ErrControllerMissing: the vhci_hcd kernel module is not loaded (the
	// sysfs instance directory does not exist).
	ErrControllerMissing = errors.New("vhci controller not present")
	// ErrPermissionDenied: the controller exists but its control files are
	// not writable by this process.
	ErrPermissionDenied = errors.New("vhci controller permission denied")
	// ErrPortUnavailable: the kernel reports the port already occupied,
	// e.g. raced by an external usbip tool.
	ErrPortUnavailable = errors.New("vhci port unavailable")
	// ErrProtocolRejected: the kernel rejected an attach/detach write for
	// any other reason.
	ErrProtocolRejected = errors.New("vhci rejected control write")
)

// Driver is the controller capability set. Platform backends without kernel
// support return ErrControllerMissing from Discover and keep everything
// above this layer identical.
type Driver interface {
	// Discover locates the controller instance and returns its sysfs path.
	Discover(ctx context.Context) (string, error)
	// NumPorts reports the controller's fixed port count. Valid after a
	// successful Discover.
	NumPorts() int
	// Attach binds a remote device to a controller port. The control write
	// carries the port, the numeric speed code, the device id and the
	// userspace-forwarding socket sentinel.
	Attach(ctx context.Context, port uint32, deviceID uint32, speed usb.Speed) error
	// Detach unbinds a port. Detaching a port the kernel already considers
	// free is tolerated.
	Detach(ctx context.Context, port uint32) error
	// Status reads the controller's per-port status table. Diagnostics
	// only; correctness never depends on it.
	Status(ctx context.Context) ([]PortStatus, error)
}

// PortState is the kernel-side state of one virtual port, as reported in the
// status table. The numeric values are shared with the server-side states in
// the usbip status enum, so virtual-port states start at 4.
type PortState uint32

const (
	PortNull        PortState = 4 // no device, usable
	PortNotAssigned PortState = 5
	PortUsed        PortState = 6
	PortError       PortState = 7
)

func (s PortState) String() string {
	switch s {
	case PortNull:
		return "null"
	case PortNotAssigned:
		return "not-assigned"
	case PortUsed:
		return "used"
	case PortError:
		return "error"
	default:
		return "unknown"
	}
}

// PortStatus is one parsed row of the controller status table.
type PortStatus struct {
	HubSpeed string // "hs" or "ss"
	Port     uint32
	State    PortState
	Speed    uint32
	DeviceID uint32
	BusID    string
}

// Free reports whether the kernel considers the port attachable.
func (p PortStatus) Free() bool {
	return p.State == PortNull
}
