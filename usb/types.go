// Package usb contains the shared types exchanged between the virtual device
// bridge and a remote-transfer collaborator (device proxy).
package usb

import (
	"context"
	"fmt"
)

// Speed is the abstract device speed reported by a device proxy.
// It is immutable once known and only converted to a numeric protocol code
// at attach time.
type Speed uint8

const (
	SpeedLow Speed = iota + 1
	SpeedFull
	SpeedHigh
	SpeedSuper
	SpeedSuperPlus
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	case SpeedSuperPlus:
		return "super-plus"
	default:
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
}

// TransferKind identifies the USB transfer type of a request.
type TransferKind uint8

const (
	TransferControl TransferKind = iota
	TransferBulk
	TransferInterrupt
	// TransferIsochronous exists so requests of this kind can be named and
	// rejected; the bridge does not forward it.
	TransferIsochronous
)

func (k TransferKind) String() string {
	switch k {
	case TransferControl:
		return "control"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	case TransferIsochronous:
		return "isochronous"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Direction of a transfer relative to the host.
type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// SetupPacket is the 8-byte setup stage of a control transfer, passed through
// to the remote side unmodified.
type SetupPacket [8]byte

// TransferRequest is one USB transaction forwarded to the remote device.
// Seq is assigned by the virtual device and is monotonically increasing over
// its lifetime; it correlates the eventual reply with this request.
type TransferRequest struct {
	DeviceID uint32
	Seq      uint32
	Kind     TransferKind
	Endpoint uint8
	Dir      Direction
	Setup    SetupPacket // control transfers only
	Data     []byte      // OUT payload, nil for IN
	Length   uint32      // expected IN length, 0 for OUT
}

// TransferReply is the completion of a previously submitted request.
// Status follows URB conventions: 0 on success, a negative errno-style value
// on device-side failure. Data carries IN payload bytes, unmodified.
type TransferReply struct {
	Seq    uint32
	Status int32
	Data   []byte
}

// DeviceProxy performs USB transfers against the physically attached device
// on the remote host. Submissions and completions are decoupled: replies
// arrive on Completions in whatever order the remote side finishes them and
// carry the sequence number of the request they answer.
//
// A proxy reports errors that terminate the whole session (socket loss,
// protocol violation) by closing the Completions channel; Err then returns
// the cause.
type DeviceProxy interface {
	// BusID identifies the remote device (e.g. "1-2").
	BusID() string
	// Speed reports the remote device speed, known after session setup.
	Speed() Speed
	// Submit forwards one request. It may block only for transport
	// backpressure, never until completion.
	Submit(ctx context.Context, req TransferRequest) error
	// Cancel asks the remote side to abort the request with the given
	// sequence number. Best effort; the reply (or its absence) still flows
	// through Completions.
	Cancel(ctx context.Context, seq uint32) error
	Completions() <-chan TransferReply
	// Err returns the terminal session error after Completions is closed.
	Err() error
	Close() error
}

// DeviceID derives the protocol device identifier from a virtual bus number
// and a per-attachment device number, following the usual busnum<<16|devnum
// packing.
func DeviceID(bus, dev uint32) uint32 {
	return bus<<16 | dev&0xffff
}
