package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProxy is an in-process usb.DeviceProxy. Submitted requests are recorded;
// replies are injected by the test through complete.
type fakeProxy struct {
	busID string
	speed usb.Speed

	mu        sync.Mutex
	submits   []usb.TransferRequest
	cancels   []uint32
	submitErr error
	sessErr   error
	onSubmit  func(usb.TransferRequest)

	completions chan usb.TransferReply
	closeOnce   sync.Once
}

func newFakeProxy(busID string) *fakeProxy {
	return &fakeProxy{
		busID:       busID,
		speed:       usb.SpeedHigh,
		completions: make(chan usb.TransferReply, 16),
	}
}

func (p *fakeProxy) BusID() string    { return p.busID }
func (p *fakeProxy) Speed() usb.Speed { return p.speed }

func (p *fakeProxy) Submit(_ context.Context, req usb.TransferRequest) error {
	p.mu.Lock()
	err := p.submitErr
	cb := p.onSubmit
	if err == nil {
		p.submits = append(p.submits, req)
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if cb != nil {
		cb(req)
	}
	return nil
}

func (p *fakeProxy) Cancel(_ context.Context, seq uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, seq)
	return nil
}

func (p *fakeProxy) Completions() <-chan usb.TransferReply { return p.completions }

func (p *fakeProxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessErr
}

func (p *fakeProxy) Close() error {
	p.closeOnce.Do(func() { close(p.completions) })
	return nil
}

func (p *fakeProxy) complete(rep usb.TransferReply) { p.completions <- rep }

// failSession ends the completion stream with a session error, as a dropped
// connection would.
func (p *fakeProxy) failSession(err error) {
	p.mu.Lock()
	p.sessErr = err
	p.mu.Unlock()
	_ = p.Close()
}

func (p *fakeProxy) submitted() []usb.TransferRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]usb.TransferRequest(nil), p.submits...)
}

func (p *fakeProxy) cancelledSeqs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.cancels...)
}

func newTestDevice(proxy *fakeProxy) *VirtualDevice {
	return newVirtualDevice(1, 0, usb.DeviceID(1, 1), proxy, discardLogger())
}

func TestTransferRoundTrip(t *testing.T) {
	proxy := newFakeProxy("1-1")
	proxy.onSubmit = func(req usb.TransferRequest) {
		proxy.complete(usb.TransferReply{Seq: req.Seq, Status: 0, Data: []byte{0x12, 0x01}})
	}
	dev := newTestDevice(proxy)
	dev.activate()

	setup := usb.SetupPacket{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	rep, err := dev.Transfer(context.Background(), usb.TransferControl, 0, usb.DirIn, setup, nil, 18)
	require.NoError(t, err)
	assert.Equal(t, int32(0), rep.Status)
	assert.Equal(t, []byte{0x12, 0x01}, rep.Data)

	subs := proxy.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, uint32(1), subs[0].Seq)
	assert.Equal(t, usb.DeviceID(1, 1), subs[0].DeviceID)
	assert.Equal(t, setup, subs[0].Setup)
}

func TestTransferSequenceIsMonotonic(t *testing.T) {
	proxy := newFakeProxy("1-1")
	proxy.onSubmit = func(req usb.TransferRequest) {
		proxy.complete(usb.TransferReply{Seq: req.Seq})
	}
	dev := newTestDevice(proxy)
	dev.activate()

	for i := 0; i < 3; i++ {
		_, err := dev.Transfer(context.Background(), usb.TransferBulk, 2, usb.DirOut, usb.SetupPacket{}, []byte{1}, 1)
		require.NoError(t, err)
	}

	subs := proxy.submitted()
	require.Len(t, subs, 3)
	for i, req := range subs {
		assert.Equal(t, uint32(i+1), req.Seq)
	}
}

func TestTransferMatchesOutOfOrderReplies(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)
	dev.activate()

	const n = 4
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte{0xA0 + byte(i)}
			rep, err := dev.Transfer(context.Background(), usb.TransferBulk, 2, usb.DirOut, usb.SetupPacket{}, payload, 1)
			results[i], errs[i] = rep.Data, err
		}(i)
	}

	require.Eventually(t, func() bool { return len(proxy.submitted()) == n },
		2*time.Second, time.Millisecond)

	// Reply highest sequence first; each caller must still get the reply
	// correlated with its own request.
	subs := proxy.submitted()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Seq > subs[j].Seq })
	for _, req := range subs {
		proxy.complete(usb.TransferReply{Seq: req.Seq, Data: req.Data})
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte{0xA0 + byte(i)}, results[i])
	}
	assert.Zero(t, dev.CorrelationErrors())
}

func TestUncorrelatedReplyIsDropped(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)
	dev.activate()

	proxy.complete(usb.TransferReply{Seq: 7777, Data: []byte{0xFF}})
	require.Eventually(t, func() bool { return dev.CorrelationErrors() == 1 },
		2*time.Second, time.Millisecond)

	// The device keeps working after dropping the stray reply.
	proxy.mu.Lock()
	proxy.onSubmit = func(req usb.TransferRequest) {
		proxy.complete(usb.TransferReply{Seq: req.Seq})
	}
	proxy.mu.Unlock()
	_, err := dev.Transfer(context.Background(), usb.TransferInterrupt, 1, usb.DirIn, usb.SetupPacket{}, nil, 8)
	require.NoError(t, err)
}

func TestTransferRejectsIsochronous(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)
	dev.activate()

	_, err := dev.Transfer(context.Background(), usb.TransferIsochronous, 3, usb.DirIn, usb.SetupPacket{}, nil, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedTransferKind)
	assert.Empty(t, proxy.submitted())
}

func TestTransferStateGating(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)

	// Attaching: not yet active.
	_, err := dev.Transfer(context.Background(), usb.TransferBulk, 2, usb.DirOut, usb.SetupPacket{}, []byte{1}, 1)
	assert.ErrorIs(t, err, ErrDeviceNotActive)

	dev.activate()
	dev.beginDetach()
	_, err = dev.Transfer(context.Background(), usb.TransferBulk, 2, usb.DirOut, usb.SetupPacket{}, []byte{1}, 1)
	assert.ErrorIs(t, err, ErrDeviceDetaching)

	dev.finishDetach(context.Background(), 10*time.Millisecond)
	assert.Equal(t, StateClosed, dev.State())
	_, err = dev.Transfer(context.Background(), usb.TransferBulk, 2, usb.DirOut, usb.SetupPacket{}, []byte{1}, 1)
	assert.ErrorIs(t, err, ErrDeviceNotActive)
}

func TestTransferContextCancellation(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)
	dev.activate()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := dev.Transfer(ctx, usb.TransferBulk, 1, usb.DirIn, usb.SetupPacket{}, nil, 512)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(proxy.submitted()) == 1 },
		2*time.Second, time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)

	// A cancellation must reach the remote side as an unlink.
	require.Eventually(t, func() bool { return len(proxy.cancelledSeqs()) == 1 },
		2*time.Second, time.Millisecond)
	assert.Equal(t, uint32(1), proxy.cancelledSeqs()[0])
}

func TestDetachCancelsStragglers(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)
	dev.activate()

	errCh := make(chan error, 1)
	go func() {
		_, err := dev.Transfer(context.Background(), usb.TransferBulk, 1, usb.DirIn, usb.SetupPacket{}, nil, 512)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(proxy.submitted()) == 1 },
		2*time.Second, time.Millisecond)

	dev.beginDetach()
	dev.finishDetach(context.Background(), 20*time.Millisecond)

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateClosed, dev.State())
}

func TestDetachDrainsInflightWithinGrace(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)
	dev.activate()

	errCh := make(chan error, 1)
	go func() {
		_, err := dev.Transfer(context.Background(), usb.TransferBulk, 1, usb.DirIn, usb.SetupPacket{}, nil, 512)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(proxy.submitted()) == 1 },
		2*time.Second, time.Millisecond)

	dev.beginDetach()
	go func() {
		proxy.complete(usb.TransferReply{Seq: 1, Data: []byte{0xAB}})
	}()
	dev.finishDetach(context.Background(), 2*time.Second)

	// The in-flight transfer completed normally, not as Cancelled.
	require.NoError(t, <-errCh)
	assert.Equal(t, StateClosed, dev.State())
}

func TestSubmitFailureReportsCollaborator(t *testing.T) {
	proxy := newFakeProxy("1-1")
	proxy.submitErr = errors.New("connection reset")
	dev := newTestDevice(proxy)
	dev.activate()

	_, err := dev.Transfer(context.Background(), usb.TransferBulk, 2, usb.DirOut, usb.SetupPacket{}, []byte{1}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollaboratorFailure)
}

func TestSessionEndFailsInflight(t *testing.T) {
	proxy := newFakeProxy("1-1")
	dev := newTestDevice(proxy)
	dev.activate()

	errCh := make(chan error, 1)
	go func() {
		_, err := dev.Transfer(context.Background(), usb.TransferBulk, 1, usb.DirIn, usb.SetupPacket{}, nil, 512)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(proxy.submitted()) == 1 },
		2*time.Second, time.Millisecond)

	proxy.failSession(errors.New("peer went away"))

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollaboratorFailure)
}

func TestFailureThresholdFiresOnce(t *testing.T) {
	proxy := newFakeProxy("1-1")
	proxy.submitErr = errors.New("connection reset")
	dev := newTestDevice(proxy)
	dev.failureThreshold = 2
	fired := make(chan Handle, 4)
	dev.onFailureThreshold = func(h Handle) { fired <- h }
	dev.activate()

	for i := 0; i < 3; i++ {
		_, err := dev.Transfer(context.Background(), usb.TransferBulk, 2, usb.DirOut, usb.SetupPacket{}, []byte{1}, 1)
		require.ErrorIs(t, err, ErrCollaboratorFailure)
	}

	select {
	case h := <-fired:
		assert.Equal(t, Handle(1), h)
	case <-time.After(2 * time.Second):
		t.Fatal("failure threshold callback never fired")
	}
	select {
	case <-fired:
		t.Fatal("failure threshold callback fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}
