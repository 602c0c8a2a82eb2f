package usbip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

// unlinkSeqBase keeps unlink command sequence numbers out of the range the
// bridge uses for transfers.
const unlinkSeqBase = 0x80000000

const completionBuffer = 32

// Proxy is a usb.DeviceProxy speaking USB/IP to a remote exporter over TCP.
// One Proxy owns one imported device on one connection.
//
// Writes are serialized by a mutex; a single reader goroutine demultiplexes
// replies onto the Completions channel by sequence number. The reader has to
// track each submitted request's direction and length, since a RET_SUBMIT
// block alone does not say whether payload bytes follow it.
type Proxy struct {
	conn   net.Conn
	logger *slog.Logger

	busID  string
	speed  usb.Speed
	devID  uint32
	vendor uint16
	product uint16

	writeMu sync.Mutex
	nextUnlinkSeq uint32

	mu        sync.Mutex
	pending   map[uint32]pendingInfo // seq -> expected reply shape
	cancelled map[uint32]bool        // seqs withdrawn by the bridge
	unlinks   map[uint32]uint32      // unlink cmd seq -> target seq

	completions chan usb.TransferReply
	g           *errgroup.Group
	closeOnce   sync.Once
	errMu       sync.Mutex
	err         error
}

type pendingInfo struct {
	in bool
}

// Dial connects to a USB/IP exporter and imports the device with the given
// busid. The returned proxy is ready for Submit calls.
func Dial(ctx context.Context, addr, busID string, logger *slog.Logger) (*Proxy, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	p, err := newProxy(conn, busID, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// NewProxy performs the import handshake on an existing connection. Exposed
// so tests can run a proxy over net.Pipe.
func NewProxy(conn net.Conn, busID string, logger *slog.Logger) (*Proxy, error) {
	return newProxy(conn, busID, logger)
}

func newProxy(conn net.Conn, busID string, logger *slog.Logger) (*Proxy, error) {
	if err := WriteImportRequest(conn, busID); err != nil {
		return nil, fmt.Errorf("send import request: %w", err)
	}
	var hdr MgmtHeader
	if err := hdr.Read(conn); err != nil {
		return nil, fmt.Errorf("read import reply header: %w", err)
	}
	if hdr.Command != OpRepImport {
		return nil, fmt.Errorf("unexpected reply command 0x%04x to import request", hdr.Command)
	}
	if hdr.Status != 0 {
		return nil, fmt.Errorf("import of %q refused by exporter (status %d)", busID, hdr.Status)
	}
	var rep ImportReply
	if err := rep.Read(conn); err != nil {
		return nil, fmt.Errorf("read import reply: %w", err)
	}
	speed, err := speedFromWire(rep.Speed)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		conn:          conn,
		logger:        logger.With("busid", rep.BusIDString()),
		busID:         rep.BusIDString(),
		speed:         speed,
		devID:         rep.DevID(),
		vendor:        rep.IDVendor,
		product:       rep.IDProduct,
		nextUnlinkSeq: unlinkSeqBase,
		pending:       make(map[uint32]pendingInfo),
		cancelled:     make(map[uint32]bool),
		unlinks:       make(map[uint32]uint32),
		completions:   make(chan usb.TransferReply, completionBuffer),
	}
	p.g = &errgroup.Group{}
	p.g.Go(p.readLoop)
	p.logger.Debug("device imported", "vendor", fmt.Sprintf("%04x", rep.IDVendor),
		"product", fmt.Sprintf("%04x", rep.IDProduct), "speed", speed.String())
	return p, nil
}

func speedFromWire(code uint32) (usb.Speed, error) {
	switch code {
	case WireSpeedLow:
		return usb.SpeedLow, nil
	case WireSpeedFull:
		return usb.SpeedFull, nil
	case WireSpeedHigh, WireSpeedWireless:
		return usb.SpeedHigh, nil
	case WireSpeedSuper:
		return usb.SpeedSuper, nil
	case WireSpeedSuperPlus:
		return usb.SpeedSuperPlus, nil
	default:
		return 0, fmt.Errorf("exporter reported unknown speed code %d", code)
	}
}

func (p *Proxy) BusID() string    { return p.busID }
func (p *Proxy) Speed() usb.Speed { return p.speed }

// VendorProduct returns the imported device's USB ids, for display.
func (p *Proxy) VendorProduct() (uint16, uint16) { return p.vendor, p.product }

func (p *Proxy) Completions() <-chan usb.TransferReply { return p.completions }

func (p *Proxy) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Submit writes one CMD_SUBMIT block (plus OUT payload) to the exporter.
func (p *Proxy) Submit(ctx context.Context, req usb.TransferRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := uint32(DirOut)
	bufLen := uint32(len(req.Data))
	if req.Dir == usb.DirIn {
		dir = DirIn
		bufLen = req.Length
	}
	cmd := CmdSubmit{
		Basic: HeaderBasic{
			Command: CmdSubmitCode,
			Seqnum:  req.Seq,
			Devid:   p.devID,
			Dir:     dir,
			Ep:      uint32(req.Endpoint),
		},
		TransferBufferLen: bufLen,
		Setup:             [8]byte(req.Setup),
	}

	var block bytes.Buffer
	if err := cmd.Write(&block); err != nil {
		return err
	}
	if req.Dir == usb.DirOut && len(req.Data) > 0 {
		block.Write(req.Data)
	}

	p.mu.Lock()
	p.pending[req.Seq] = pendingInfo{in: req.Dir == usb.DirIn}
	p.mu.Unlock()

	p.writeMu.Lock()
	_, err := p.conn.Write(block.Bytes())
	p.writeMu.Unlock()
	if err != nil {
		p.mu.Lock()
		delete(p.pending, req.Seq)
		p.mu.Unlock()
		return fmt.Errorf("write submit seq %d: %w", req.Seq, err)
	}
	return nil
}

// Cancel sends CMD_UNLINK for seq. The bridge has already withdrawn the
// request; whatever reply the exporter eventually produces for it will be
// discarded here rather than delivered.
func (p *Proxy) Cancel(ctx context.Context, seq uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.writeMu.Lock()
	p.nextUnlinkSeq++
	unlinkSeq := p.nextUnlinkSeq
	p.writeMu.Unlock()

	p.mu.Lock()
	if _, ok := p.pending[seq]; !ok {
		p.mu.Unlock()
		return nil
	}
	p.cancelled[seq] = true
	p.unlinks[unlinkSeq] = seq
	p.mu.Unlock()

	cmd := CmdUnlink{
		Basic: HeaderBasic{
			Command: CmdUnlinkCode,
			Seqnum:  unlinkSeq,
			Devid:   p.devID,
		},
		UnlinkSeqnum: seq,
	}
	p.writeMu.Lock()
	err := cmd.Write(p.conn)
	p.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write unlink for seq %d: %w", seq, err)
	}
	return nil
}

// Close tears the session down. Completions is closed once the reader exits.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		_ = p.conn.SetReadDeadline(time.Now())
		_ = p.conn.Close()
	})
	return p.g.Wait()
}

// readLoop demultiplexes RET_SUBMIT/RET_UNLINK blocks. It is the only reader
// of the connection, so payload framing stays consistent: whether bytes
// follow a RET_SUBMIT depends on the direction recorded at submit time.
func (p *Proxy) readLoop() error {
	defer close(p.completions)
	for {
		retSubmit, retUnlink, err := ReadReply(p.conn)
		if err != nil {
			p.setErr(err)
			p.logger.Debug("usbip session ended", "error", err)
			return nil
		}
		switch {
		case retSubmit != nil:
			if err := p.handleRetSubmit(retSubmit); err != nil {
				p.setErr(err)
				return nil
			}
		case retUnlink != nil:
			p.handleRetUnlink(retUnlink)
		}
	}
}

func (p *Proxy) handleRetSubmit(ret *RetSubmit) error {
	seq := ret.Basic.Seqnum

	p.mu.Lock()
	info, known := p.pending[seq]
	wasCancelled := p.cancelled[seq]
	delete(p.pending, seq)
	delete(p.cancelled, seq)
	p.mu.Unlock()

	var data []byte
	if known && info.in && ret.ActualLength > 0 {
		data = make([]byte, ret.ActualLength)
		if _, err := io.ReadFull(p.conn, data); err != nil {
			return fmt.Errorf("read IN payload for seq %d: %w", seq, err)
		}
	}
	if !known {
		// Without the submit record the payload length is unknowable;
		// the stream cannot be resynchronized.
		return fmt.Errorf("RET_SUBMIT for unknown seq %d", seq)
	}
	if wasCancelled {
		p.logger.Debug("discarding reply for cancelled request", "seq", seq)
		return nil
	}
	p.completions <- usb.TransferReply{Seq: seq, Status: ret.Status, Data: data}
	return nil
}

func (p *Proxy) handleRetUnlink(ret *RetUnlink) {
	p.mu.Lock()
	target, ok := p.unlinks[ret.Basic.Seqnum]
	delete(p.unlinks, ret.Basic.Seqnum)
	if ok {
		delete(p.pending, target)
		delete(p.cancelled, target)
	}
	p.mu.Unlock()
	if ok {
		p.logger.Debug("request unlinked", "seq", target, "status", ret.Status)
	}
}

func (p *Proxy) setErr(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}
