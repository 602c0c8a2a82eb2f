package bridge

import "errors"

// Sentinel errors for the bridge error taxonomy. Controller-level errors
// (missing module, permissions, busy port, protocol rejection) live in the
// vhci package; both sets are classified with errors.Is.
var (
	// ErrExhausted: every virtual port is occupied.
	ErrExhausted = errors.New("no free virtual port")
	// ErrUnknownHandle: no registered device for the given handle.
	ErrUnknownHandle = errors.New("unknown device handle")
	// ErrDeviceNotActive: the device is not in the Active state.
	ErrDeviceNotActive = errors.New("device not active")
	// ErrDeviceDetaching: the device is being torn down.
	ErrDeviceDetaching = errors.New("device detaching")
	// ErrCancelled: the transfer was cancelled before completion.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrUnsupportedTransferKind: isochronous transfers are not supported.
	ErrUnsupportedTransferKind = errors.New("unsupported transfer kind")
	// ErrCollaboratorFailure wraps an error from the remote-transfer
	// collaborator. It never implies a detach by itself.
	ErrCollaboratorFailure = errors.New("remote transfer failure")
	// ErrInconsistentState: a kernel attach succeeded but could not be
	// compensated after a later failure; the kernel-side and bridge-side
	// views may disagree and manual intervention can be required.
	ErrInconsistentState = errors.New("kernel and bridge state inconsistent")
)
