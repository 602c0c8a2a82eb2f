// Package bridge implements the client-side virtual device bridge: it
// registers remote devices with the kernel's virtual host controller, tracks
// the controller's fixed ports, and correlates every transfer the kernel
// emits with the reply coming back from the remote side.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
	"github.com/kimasplund/rust-p2p-usb-sub001/vhci"
)

// Options tunes manager policy. The zero value gets usable defaults.
type Options struct {
	// VirtualBus is the bus number used when deriving device ids.
	VirtualBus uint32
	// MaxConsecutiveFailures triggers an automatic detach once a device
	// sees this many collaborator failures in a row. 0 disables the policy.
	MaxConsecutiveFailures int
	// DetachGrace bounds how long a detach waits for in-flight transfers
	// before cancelling them.
	DetachGrace time.Duration
	// DetachVerifyAttempts/Interval control how long a freed port is held
	// back while waiting for the kernel status table to confirm the detach.
	DetachVerifyAttempts int
	DetachVerifyInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.VirtualBus == 0 {
		o.VirtualBus = 1
	}
	if o.DetachGrace == 0 {
		o.DetachGrace = 5 * time.Second
	}
	if o.DetachVerifyAttempts == 0 {
		o.DetachVerifyAttempts = 4
	}
	if o.DetachVerifyInterval == 0 {
		o.DetachVerifyInterval = 50 * time.Millisecond
	}
}

// DeviceInfo is a read-only snapshot of one attached device.
type DeviceInfo struct {
	Handle   Handle
	Port     uint32
	DeviceID uint32
	BusID    string
	State    DeviceState
}

// Manager owns the device registry and the port allocator. It is the single
// synchronization point for both, which is what keeps the kernel-side and
// bridge-side views of every device in agreement: a port is free if and only
// if no registered device holds it.
type Manager struct {
	driver vhci.Driver
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	ports      *portAllocator
	devices    map[Handle]*VirtualDevice
	nextHandle Handle
	ctrlPath   string
	started    bool
}

func NewManager(driver vhci.Driver, logger *slog.Logger, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		driver:  driver,
		logger:  logger,
		opts:    opts,
		devices: make(map[Handle]*VirtualDevice),
	}
}

// Start discovers the controller and sizes the port pool from it.
func (m *Manager) Start(ctx context.Context) error {
	path, err := m.driver.Discover(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.ctrlPath = path
	m.ports = newPortAllocator(m.driver.NumPorts(), m.logger)
	m.started = true
	m.mu.Unlock()
	m.logger.Info("virtual host controller ready", "path", path, "ports", m.driver.NumPorts())
	return nil
}

// ControllerPath returns the discovered controller location.
func (m *Manager) ControllerPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrlPath
}

// Attach reserves a port, performs the kernel attach for the proxy's device
// and registers a VirtualDevice for it. Any failure after the reservation
// releases the port again before the error propagates; any failure after the
// kernel attach triggers a compensating kernel detach.
func (m *Manager) Attach(ctx context.Context, proxy usb.DeviceProxy) (Handle, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return 0, fmt.Errorf("manager not started")
	}
	port, err := m.ports.reserve()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.nextHandle++
	handle := m.nextHandle
	m.mu.Unlock()

	deviceID := usb.DeviceID(m.opts.VirtualBus, uint32(handle))

	if err := m.driver.Attach(ctx, port, deviceID, proxy.Speed()); err != nil {
		m.mu.Lock()
		m.ports.release(port)
		m.mu.Unlock()
		return 0, err
	}

	// The kernel now holds the attachment. From here on every failure has
	// to be compensated with a kernel detach or escalated.
	if err := ctx.Err(); err != nil {
		return 0, m.compensate(port, err)
	}

	dev := newVirtualDevice(handle, port, deviceID, proxy, m.logger)
	dev.failureThreshold = m.opts.MaxConsecutiveFailures
	dev.onFailureThreshold = m.handleFailureThreshold

	m.mu.Lock()
	m.devices[handle] = dev
	m.mu.Unlock()
	dev.activate()

	m.logger.Info("device attached", "handle", uint32(handle), "port", port,
		"busid", proxy.BusID(), "speed", proxy.Speed().String())
	return handle, nil
}

// compensate undoes a kernel attach after a later failure. If the
// compensating detach itself fails, the port stays reserved (the kernel may
// still hold it) and the error escalates to ErrInconsistentState.
func (m *Manager) compensate(port uint32, cause error) error {
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := m.driver.Detach(dctx, port); derr != nil {
		m.logger.Error("compensating kernel detach failed", "port", port, "cause", cause, "error", derr)
		return fmt.Errorf("%w: attach aborted (%v) but kernel detach of port %d failed: %v",
			ErrInconsistentState, cause, port, derr)
	}
	m.mu.Lock()
	m.ports.release(port)
	m.mu.Unlock()
	return cause
}

// Detach tears one device down: kernel detach, then device teardown with the
// configured grace, then registry removal and port release. Calling it again
// for the same handle reports ErrUnknownHandle once the first call finished,
// or ErrDeviceDetaching while it is still in progress.
func (m *Manager) Detach(ctx context.Context, handle Handle) error {
	m.mu.Lock()
	dev, ok := m.devices[handle]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("handle %d: %w", handle, ErrUnknownHandle)
	}

	if prev := dev.beginDetach(); prev == StateDetaching || prev == StateClosed {
		return fmt.Errorf("handle %d: %w", handle, ErrDeviceDetaching)
	}

	if err := m.driver.Detach(ctx, dev.port); err != nil {
		// Genuine kernel failure: keep the registration so the caller can
		// retry, and re-admit transfers.
		dev.abortDetach()
		return err
	}

	dev.finishDetach(ctx, m.opts.DetachGrace)
	if err := dev.proxy.Close(); err != nil {
		m.logger.Debug("proxy close", "handle", uint32(handle), "error", err)
	}

	m.verifyPortFreed(ctx, dev.port)

	m.mu.Lock()
	delete(m.devices, handle)
	m.ports.release(dev.port)
	m.mu.Unlock()

	m.logger.Info("device detached", "handle", uint32(handle), "port", dev.port)
	return nil
}

// abortDetach re-admits transfers after a failed kernel detach.
func (d *VirtualDevice) abortDetach() {
	d.mu.Lock()
	if d.state == StateDetaching {
		d.state = StateActive
	}
	d.mu.Unlock()
}

// verifyPortFreed polls the controller status until the kernel reports the
// port back in the null state, so the port is not handed out again while the
// kernel is still tearing the old attachment down. Bounded: a slow kernel
// delays the release, it cannot leak the port.
func (m *Manager) verifyPortFreed(ctx context.Context, port uint32) {
	for attempt := 0; attempt < m.opts.DetachVerifyAttempts; attempt++ {
		stats, err := m.driver.Status(ctx)
		if err != nil {
			m.logger.Debug("detach verification skipped", "port", port, "error", err)
			return
		}
		for _, st := range stats {
			if st.Port != port {
				continue
			}
			if st.Free() {
				return
			}
		}
		if len(stats) == 0 {
			return
		}
		select {
		case <-time.After(m.opts.DetachVerifyInterval):
		case <-ctx.Done():
			return
		}
	}
	m.logger.Warn("kernel slow to free port, releasing anyway", "port", port)
}

// List returns a snapshot of the registry, ordered by handle. The snapshot
// is detached from internal storage; iterating it never observes a
// half-updated entry.
func (m *Manager) List() []DeviceInfo {
	m.mu.Lock()
	out := make([]DeviceInfo, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, DeviceInfo{
			Handle:   dev.handle,
			Port:     dev.port,
			DeviceID: dev.deviceID,
			BusID:    dev.BusID(),
			State:    dev.State(),
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Device looks up a registered device by handle.
func (m *Manager) Device(handle Handle) (*VirtualDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[handle]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrUnknownHandle)
	}
	return dev, nil
}

func (m *Manager) handleFailureThreshold(handle Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DetachGrace+10*time.Second)
	defer cancel()
	m.logger.Warn("detaching device after repeated remote failures", "handle", uint32(handle))
	if err := m.Detach(ctx, handle); err != nil {
		m.logger.Error("automatic detach failed", "handle", uint32(handle), "error", err)
	}
}
