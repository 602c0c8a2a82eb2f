package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

// Handle is a process-unique identifier for one attachment instance. Handles
// are never reused while any reference to the attachment is live.
type Handle uint32

// DeviceState is the lifecycle state of a VirtualDevice. Only Active accepts
// transfers.
type DeviceState uint32

const (
	StateAttaching DeviceState = iota
	StateActive
	StateDetaching
	StateClosed
)

func (s DeviceState) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateDetaching:
		return "detaching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type transferResult struct {
	reply usb.TransferReply
	err   error
}

// VirtualDevice is the per-attachment state machine. It owns the sequence
// counter and the in-flight request table; nothing outside the device touches
// either, so devices never contend with each other.
//
// Replies from the proxy are matched back to their request strictly by
// sequence number. A reply that matches no outstanding request is dropped and
// counted, never delivered as if it matched.
type VirtualDevice struct {
	handle   Handle
	port     uint32
	deviceID uint32
	proxy    usb.DeviceProxy
	logger   *slog.Logger

	failureThreshold   int
	onFailureThreshold func(Handle)

	mu           sync.Mutex
	state        DeviceState
	nextSeq      uint32
	inflight     map[uint32]chan transferResult
	drainWaiters []chan struct{}
	failures     int    // consecutive collaborator failures
	corrErrors   uint64 // dropped uncorrelated completions

	pumpDone chan struct{}
}

func newVirtualDevice(handle Handle, port, deviceID uint32, proxy usb.DeviceProxy, logger *slog.Logger) *VirtualDevice {
	return &VirtualDevice{
		handle:   handle,
		port:     port,
		deviceID: deviceID,
		proxy:    proxy,
		logger:   logger.With("handle", uint32(handle), "port", port),
		state:    StateAttaching,
		nextSeq:  1,
		inflight: make(map[uint32]chan transferResult),
		pumpDone: make(chan struct{}),
	}
}

func (d *VirtualDevice) Handle() Handle   { return d.handle }
func (d *VirtualDevice) Port() uint32     { return d.port }
func (d *VirtualDevice) DeviceID() uint32 { return d.deviceID }
func (d *VirtualDevice) BusID() string    { return d.proxy.BusID() }

func (d *VirtualDevice) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CorrelationErrors reports how many completions were dropped for carrying a
// sequence number with no outstanding request.
func (d *VirtualDevice) CorrelationErrors() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.corrErrors
}

// activate moves the device to Active and starts consuming proxy completions.
func (d *VirtualDevice) activate() {
	d.mu.Lock()
	d.state = StateActive
	d.mu.Unlock()
	go d.pump()
}

// Transfer forwards one request to the remote device and blocks until its
// correlated reply arrives, the context is cancelled, or the device detaches.
// The reply's status and data are returned exactly as received.
func (d *VirtualDevice) Transfer(ctx context.Context, kind usb.TransferKind, endpoint uint8, dir usb.Direction, setup usb.SetupPacket, data []byte, length uint32) (usb.TransferReply, error) {
	var zero usb.TransferReply
	if kind == usb.TransferIsochronous {
		return zero, fmt.Errorf("%w: isochronous", ErrUnsupportedTransferKind)
	}
	switch kind {
	case usb.TransferControl, usb.TransferBulk, usb.TransferInterrupt:
	default:
		return zero, fmt.Errorf("%w: %s", ErrUnsupportedTransferKind, kind)
	}

	d.mu.Lock()
	switch d.state {
	case StateActive:
	case StateDetaching:
		d.mu.Unlock()
		return zero, ErrDeviceDetaching
	default:
		d.mu.Unlock()
		return zero, ErrDeviceNotActive
	}
	seq := d.nextSeq
	d.nextSeq++
	ch := make(chan transferResult, 1)
	d.inflight[seq] = ch
	d.mu.Unlock()

	req := usb.TransferRequest{
		DeviceID: d.deviceID,
		Seq:      seq,
		Kind:     kind,
		Endpoint: endpoint,
		Dir:      dir,
		Setup:    setup,
		Data:     data,
		Length:   length,
	}
	if err := d.proxy.Submit(ctx, req); err != nil {
		d.withdraw(seq)
		d.recordFailure()
		return zero, fmt.Errorf("%w: submit seq %d: %v", ErrCollaboratorFailure, seq, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return zero, res.err
		}
		d.recordSuccess()
		return res.reply, nil
	case <-ctx.Done():
		if d.withdraw(seq) {
			cctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = d.proxy.Cancel(cctx, seq)
			return zero, fmt.Errorf("transfer seq %d: %w", seq, ErrCancelled)
		}
		// the reply raced the cancellation; deliver it anyway
		res := <-ch
		if res.err != nil {
			return zero, res.err
		}
		d.recordSuccess()
		return res.reply, nil
	}
}

// withdraw removes a pending slot, reporting whether it was still present.
func (d *VirtualDevice) withdraw(seq uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[seq]; !ok {
		return false
	}
	delete(d.inflight, seq)
	d.notifyIfDrainedLocked()
	return true
}

// pump delivers proxy completions to their pending slots. When the proxy
// session ends, every remaining slot fails with the session error.
func (d *VirtualDevice) pump() {
	defer close(d.pumpDone)
	for rep := range d.proxy.Completions() {
		d.deliver(rep)
	}
	cause := d.proxy.Err()
	if cause == nil {
		cause = fmt.Errorf("completion stream closed")
	}
	n := d.failRemaining(fmt.Errorf("%w: %v", ErrCollaboratorFailure, cause))
	if n > 0 {
		d.logger.Warn("proxy session ended with transfers in flight", "failed", n, "cause", cause)
		d.recordFailure()
	}
}

func (d *VirtualDevice) deliver(rep usb.TransferReply) {
	d.mu.Lock()
	ch, ok := d.inflight[rep.Seq]
	if !ok {
		d.corrErrors++
		d.mu.Unlock()
		d.logger.Warn("dropping completion with no outstanding request", "seq", rep.Seq)
		return
	}
	delete(d.inflight, rep.Seq)
	d.notifyIfDrainedLocked()
	d.mu.Unlock()
	ch <- transferResult{reply: rep}
}

func (d *VirtualDevice) failRemaining(err error) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.inflight)
	for seq, ch := range d.inflight {
		delete(d.inflight, seq)
		ch <- transferResult{err: err}
	}
	d.notifyIfDrainedLocked()
	return n
}

func (d *VirtualDevice) notifyIfDrainedLocked() {
	if len(d.inflight) != 0 {
		return
	}
	for _, ch := range d.drainWaiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	d.drainWaiters = nil
}

func (d *VirtualDevice) recordFailure() {
	d.mu.Lock()
	d.failures++
	hit := d.failureThreshold > 0 && d.failures == d.failureThreshold
	d.mu.Unlock()
	if hit && d.onFailureThreshold != nil {
		d.logger.Warn("consecutive failure threshold reached", "failures", d.failureThreshold)
		go d.onFailureThreshold(d.handle)
	}
}

func (d *VirtualDevice) recordSuccess() {
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
}

// beginDetach moves the device to Detaching so no new transfers are accepted.
// Returns the state the device was in before the call.
func (d *VirtualDevice) beginDetach() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.state
	if prev == StateAttaching || prev == StateActive {
		d.state = StateDetaching
	}
	return prev
}

// finishDetach waits up to grace for in-flight transfers to complete, then
// cancels the stragglers and closes the device. A stalled remote peer can
// therefore never prevent a detach from finishing.
func (d *VirtualDevice) finishDetach(ctx context.Context, grace time.Duration) {
	if !d.awaitDrain(ctx, grace) {
		n := d.failRemaining(fmt.Errorf("detach: %w", ErrCancelled))
		if n > 0 {
			d.logger.Warn("cancelled transfers still in flight at detach deadline", "cancelled", n)
		}
	}
	d.mu.Lock()
	d.state = StateClosed
	d.mu.Unlock()
}

func (d *VirtualDevice) awaitDrain(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		d.mu.Lock()
		if len(d.inflight) == 0 {
			d.mu.Unlock()
			return true
		}
		ch := make(chan struct{}, 1)
		d.drainWaiters = append(d.drainWaiters, ch)
		d.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
