package usbip

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

func TestWriteImportRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteImportRequest(&buf, "3-2.1"))

	raw := buf.Bytes()
	require.Len(t, raw, 8+busIDLen)
	assert.Equal(t, uint16(0x0111), binary.BigEndian.Uint16(raw[0:2]))
	assert.Equal(t, uint16(0x8003), binary.BigEndian.Uint16(raw[2:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(raw[4:8]))

	assert.Equal(t, "3-2.1", string(raw[8:13]))
	// busid field is NUL padded to its full width
	for _, b := range raw[13:] {
		assert.Zero(t, b)
	}
}

func TestWriteImportRequestRejectsLongBusID(t *testing.T) {
	var buf bytes.Buffer
	err := WriteImportRequest(&buf, "0123456789012345678901234567890123456789")
	assert.Error(t, err)
}

func TestImportReplyRoundTrip(t *testing.T) {
	in := ImportReply{
		BusNum:             3,
		DevNum:             7,
		Speed:              WireSpeedHigh,
		IDVendor:           0x046d,
		IDProduct:          0xc52b,
		BcdDevice:          0x1201,
		BDeviceClass:       0xef,
		BNumConfigurations: 1,
		BNumInterfaces:     2,
	}
	copy(in.BusID[:], "3-2.1")
	copy(in.Path[:], "/sys/devices/platform/vhci_hcd.0/usb3/3-2.1")

	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))
	assert.Equal(t, 256+32+24, buf.Len())

	var out ImportReply
	require.NoError(t, out.Read(&buf))
	assert.Equal(t, in, out)
	assert.Equal(t, "3-2.1", out.BusIDString())
	assert.Equal(t, uint32(3<<16|7), out.DevID())
}

func TestCmdSubmitLayout(t *testing.T) {
	cmd := CmdSubmit{
		Basic: HeaderBasic{
			Command: CmdSubmitCode,
			Seqnum:  5,
			Devid:   0x00010003,
			Dir:     DirIn,
			Ep:      1,
		},
		TransferBufferLen: 512,
		Setup:             [8]byte{0x80, 0x06, 0, 1, 0, 0, 0x12, 0},
	}
	var buf bytes.Buffer
	require.NoError(t, cmd.Write(&buf))
	raw := buf.Bytes()
	require.Len(t, raw, HeaderLen)

	// field offsets within the 0x30-byte block
	assert.Equal(t, uint32(CmdSubmitCode), binary.BigEndian.Uint32(raw[0x00:]))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(raw[0x04:]))
	assert.Equal(t, uint32(0x00010003), binary.BigEndian.Uint32(raw[0x08:]))
	assert.Equal(t, uint32(DirIn), binary.BigEndian.Uint32(raw[0x0c:]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(raw[0x10:]))
	assert.Equal(t, uint32(512), binary.BigEndian.Uint32(raw[0x18:]))
	assert.Equal(t, cmd.Setup[:], raw[0x28:0x30])

	sub, unlink, err := ReadCommand(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Nil(t, unlink)
	require.NotNil(t, sub)
	assert.Equal(t, cmd, *sub)
}

func TestCmdUnlinkRoundTrip(t *testing.T) {
	cmd := CmdUnlink{
		Basic: HeaderBasic{
			Command: CmdUnlinkCode,
			Seqnum:  0x80000001,
			Devid:   0x00010003,
		},
		UnlinkSeqnum: 5,
	}
	var buf bytes.Buffer
	require.NoError(t, cmd.Write(&buf))
	require.Equal(t, HeaderLen, buf.Len())

	sub, unlink, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Nil(t, sub)
	require.NotNil(t, unlink)
	assert.Equal(t, cmd, *unlink)
}

func TestReadReply(t *testing.T) {
	retSub := RetSubmit{
		Basic:        HeaderBasic{Command: RetSubmitCode, Seqnum: 5},
		Status:       -32, // EPIPE: endpoint stalled
		ActualLength: 0,
	}
	var buf bytes.Buffer
	require.NoError(t, retSub.Write(&buf))

	sub, unlink, err := ReadReply(&buf)
	require.NoError(t, err)
	require.Nil(t, unlink)
	require.NotNil(t, sub)
	assert.Equal(t, retSub, *sub)

	retUnl := RetUnlink{
		Basic:  HeaderBasic{Command: RetUnlinkCode, Seqnum: 0x80000001},
		Status: -104,
	}
	buf.Reset()
	require.NoError(t, retUnl.Write(&buf))

	sub, unlink, err = ReadReply(&buf)
	require.NoError(t, err)
	require.Nil(t, sub)
	require.NotNil(t, unlink)
	assert.Equal(t, retUnl, *unlink)
}

func TestReadReplyRejectsUnknownCommand(t *testing.T) {
	raw := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(raw[0x00:], 0xdeadbeef)
	_, _, err := ReadReply(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestSpeedFromWire(t *testing.T) {
	tests := []struct {
		code uint32
		want usb.Speed
	}{
		{WireSpeedLow, usb.SpeedLow},
		{WireSpeedFull, usb.SpeedFull},
		{WireSpeedHigh, usb.SpeedHigh},
		{WireSpeedWireless, usb.SpeedHigh},
		{WireSpeedSuper, usb.SpeedSuper},
		{WireSpeedSuperPlus, usb.SpeedSuperPlus},
	}
	for _, tt := range tests {
		got, err := speedFromWire(tt.code)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := speedFromWire(0)
	assert.Error(t, err)
	_, err = speedFromWire(99)
	assert.Error(t, err)
}
