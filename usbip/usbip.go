// Package usbip implements the client side of the USB/IP wire protocol:
// the import handshake and the URB submit/unlink stream. All integers are
// big-endian on the wire.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqImport = 0x8003
	OpRepImport = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// HeaderLen is the URB header block length for cmd/ret submit/unlink.
	HeaderLen = 0x30

	busIDLen = 32
)

// Device speeds as encoded in OP_REP_IMPORT (kernel usb_device_speed enum).
const (
	WireSpeedLow       = 1
	WireSpeedFull      = 2
	WireSpeedHigh      = 3
	WireSpeedWireless  = 4
	WireSpeedSuper     = 5
	WireSpeedSuperPlus = 6
)

// MgmtHeader is the 8-byte header for management ops.
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

func (h *MgmtHeader) Read(r io.Reader) error {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	h.Version = binary.BigEndian.Uint16(buf[0:2])
	h.Command = binary.BigEndian.Uint16(buf[2:4])
	h.Status = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// WriteImportRequest sends OP_REQ_IMPORT for the given remote busid.
func WriteImportRequest(w io.Writer, busID string) error {
	if len(busID) >= busIDLen {
		return fmt.Errorf("busid %q too long", busID)
	}
	var buf bytes.Buffer
	h := MgmtHeader{Version: Version, Command: OpReqImport}
	if err := h.Write(&buf); err != nil {
		return err
	}
	var bid [busIDLen]byte
	copy(bid[:], busID)
	buf.Write(bid[:])
	_, err := w.Write(buf.Bytes())
	return err
}

// ImportReply is the device entry of OP_REP_IMPORT (ends at bNumInterfaces).
type ImportReply struct {
	Path      [256]byte
	BusID     [32]byte
	BusNum    uint32
	DevNum    uint32
	Speed     uint32
	IDVendor  uint16
	IDProduct uint16
	BcdDevice uint16

	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

func (d *ImportReply) Read(r io.Reader) error {
	if _, err := io.ReadFull(r, d.Path[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, d.BusID[:]); err != nil {
		return err
	}
	var buf [24]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	d.BusNum = binary.BigEndian.Uint32(buf[0:4])
	d.DevNum = binary.BigEndian.Uint32(buf[4:8])
	d.Speed = binary.BigEndian.Uint32(buf[8:12])
	d.IDVendor = binary.BigEndian.Uint16(buf[12:14])
	d.IDProduct = binary.BigEndian.Uint16(buf[14:16])
	d.BcdDevice = binary.BigEndian.Uint16(buf[16:18])
	d.BDeviceClass = buf[18]
	d.BDeviceSubClass = buf[19]
	d.BDeviceProtocol = buf[20]
	d.BConfigurationValue = buf[21]
	d.BNumConfigurations = buf[22]
	d.BNumInterfaces = buf[23]
	return nil
}

func (d *ImportReply) Write(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.BusID[:]); err != nil {
		return err
	}
	var buf [24]byte
	binary.BigEndian.PutUint32(buf[0:4], d.BusNum)
	binary.BigEndian.PutUint32(buf[4:8], d.DevNum)
	binary.BigEndian.PutUint32(buf[8:12], d.Speed)
	binary.BigEndian.PutUint16(buf[12:14], d.IDVendor)
	binary.BigEndian.PutUint16(buf[14:16], d.IDProduct)
	binary.BigEndian.PutUint16(buf[16:18], d.BcdDevice)
	buf[18] = d.BDeviceClass
	buf[19] = d.BDeviceSubClass
	buf[20] = d.BDeviceProtocol
	buf[21] = d.BConfigurationValue
	buf[22] = d.BNumConfigurations
	buf[23] = d.BNumInterfaces
	_, err := w.Write(buf[:])
	return err
}

// BusIDString returns the busid with trailing NULs stripped.
func (d *ImportReply) BusIDString() string {
	if i := bytes.IndexByte(d.BusID[:], 0); i >= 0 {
		return string(d.BusID[:i])
	}
	return string(d.BusID[:])
}

// DevID returns the protocol device identifier (busnum<<16 | devnum).
func (d *ImportReply) DevID() uint32 {
	return d.BusNum<<16 | d.DevNum&0xffff
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

// CmdSubmit header (before payload); total length is HeaderLen.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint32(buf[0x00:], c.Basic.Command)
	binary.BigEndian.PutUint32(buf[0x04:], c.Basic.Seqnum)
	binary.BigEndian.PutUint32(buf[0x08:], c.Basic.Devid)
	binary.BigEndian.PutUint32(buf[0x0c:], c.Basic.Dir)
	binary.BigEndian.PutUint32(buf[0x10:], c.Basic.Ep)
	binary.BigEndian.PutUint32(buf[0x14:], c.TransferFlags)
	binary.BigEndian.PutUint32(buf[0x18:], c.TransferBufferLen)
	binary.BigEndian.PutUint32(buf[0x1c:], c.StartFrame)
	binary.BigEndian.PutUint32(buf[0x20:], c.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[0x24:], c.Interval)
	copy(buf[0x28:], c.Setup[:])
	_, err := w.Write(buf[:])
	return err
}

func (c *CmdSubmit) decode(buf *[HeaderLen]byte) {
	c.Basic = decodeBasic(buf)
	c.TransferFlags = binary.BigEndian.Uint32(buf[0x14:])
	c.TransferBufferLen = binary.BigEndian.Uint32(buf[0x18:])
	c.StartFrame = binary.BigEndian.Uint32(buf[0x1c:])
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[0x20:])
	c.Interval = binary.BigEndian.Uint32(buf[0x24:])
	copy(c.Setup[:], buf[0x28:])
}

// RetSubmit header (before payload); total length is HeaderLen.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) decode(buf *[HeaderLen]byte) {
	r.Basic = decodeBasic(buf)
	r.Status = int32(binary.BigEndian.Uint32(buf[0x14:]))
	r.ActualLength = binary.BigEndian.Uint32(buf[0x18:])
	r.StartFrame = binary.BigEndian.Uint32(buf[0x1c:])
	r.NumberOfPackets = binary.BigEndian.Uint32(buf[0x20:])
	r.ErrorCount = binary.BigEndian.Uint32(buf[0x24:])
	copy(r.Padding[:], buf[0x28:])
}

func (r *RetSubmit) Write(w io.Writer) error {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint32(buf[0x00:], r.Basic.Command)
	binary.BigEndian.PutUint32(buf[0x04:], r.Basic.Seqnum)
	binary.BigEndian.PutUint32(buf[0x08:], r.Basic.Devid)
	binary.BigEndian.PutUint32(buf[0x0c:], r.Basic.Dir)
	binary.BigEndian.PutUint32(buf[0x10:], r.Basic.Ep)
	binary.BigEndian.PutUint32(buf[0x14:], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[0x18:], r.ActualLength)
	binary.BigEndian.PutUint32(buf[0x1c:], r.StartFrame)
	binary.BigEndian.PutUint32(buf[0x20:], r.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[0x24:], r.ErrorCount)
	copy(buf[0x28:], r.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

// CmdUnlink asks the remote side to abort the request whose sequence number
// is UnlinkSeqnum. The unlink command carries its own Seqnum.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint32(buf[0x00:], c.Basic.Command)
	binary.BigEndian.PutUint32(buf[0x04:], c.Basic.Seqnum)
	binary.BigEndian.PutUint32(buf[0x08:], c.Basic.Devid)
	binary.BigEndian.PutUint32(buf[0x0c:], c.Basic.Dir)
	binary.BigEndian.PutUint32(buf[0x10:], c.Basic.Ep)
	binary.BigEndian.PutUint32(buf[0x14:], c.UnlinkSeqnum)
	copy(buf[0x18:], c.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

// RetUnlink acknowledges a CmdUnlink; Status carries the unlinked URB status.
type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) decode(buf *[HeaderLen]byte) {
	r.Basic = decodeBasic(buf)
	r.Status = int32(binary.BigEndian.Uint32(buf[0x14:]))
	copy(r.Padding[:], buf[0x18:])
}

func (r *RetUnlink) Write(w io.Writer) error {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint32(buf[0x00:], r.Basic.Command)
	binary.BigEndian.PutUint32(buf[0x04:], r.Basic.Seqnum)
	binary.BigEndian.PutUint32(buf[0x08:], r.Basic.Devid)
	binary.BigEndian.PutUint32(buf[0x0c:], r.Basic.Dir)
	binary.BigEndian.PutUint32(buf[0x10:], r.Basic.Ep)
	binary.BigEndian.PutUint32(buf[0x14:], uint32(r.Status))
	copy(buf[0x18:], r.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

func decodeBasic(buf *[HeaderLen]byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(buf[0x00:]),
		Seqnum:  binary.BigEndian.Uint32(buf[0x04:]),
		Devid:   binary.BigEndian.Uint32(buf[0x08:]),
		Dir:     binary.BigEndian.Uint32(buf[0x0c:]),
		Ep:      binary.BigEndian.Uint32(buf[0x10:]),
	}
}

// ReadReply reads one URB-stream block from the server and decodes it into
// either a RetSubmit or a RetUnlink.
func ReadReply(r io.Reader) (*RetSubmit, *RetUnlink, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, nil, err
	}
	switch cmd := binary.BigEndian.Uint32(buf[0x00:]); cmd {
	case RetSubmitCode:
		var ret RetSubmit
		ret.decode(&buf)
		return &ret, nil, nil
	case RetUnlinkCode:
		var ret RetUnlink
		ret.decode(&buf)
		return nil, &ret, nil
	default:
		return nil, nil, fmt.Errorf("unexpected reply command 0x%08x", cmd)
	}
}

// ReadCommand reads one URB-stream block as seen by a server and decodes it
// into either a CmdSubmit or a CmdUnlink. Used by test harnesses standing in
// for the remote exporter.
func ReadCommand(r io.Reader) (*CmdSubmit, *CmdUnlink, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, nil, err
	}
	switch cmd := binary.BigEndian.Uint32(buf[0x00:]); cmd {
	case CmdSubmitCode:
		var c CmdSubmit
		c.decode(&buf)
		return &c, nil, nil
	case CmdUnlinkCode:
		var c CmdUnlink
		c.Basic = decodeBasic(&buf)
		c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[0x14:])
		copy(c.Padding[:], buf[0x18:])
		return nil, &c, nil
	default:
		return nil, nil, fmt.Errorf("unexpected command 0x%08x", cmd)
	}
}
