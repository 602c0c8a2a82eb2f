package vhci

import (
	"bufio"
	"context"
	baseerrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

const (
	sysBus            = "bus"
	controllerBusType = "platform"
	controllerName    = "vhci_hcd.0"

	attachFile = "attach"
	detachFile = "detach"
	statusFile = "status"
	nportsFile = "nports"

	// sockfdSentinel tells the kernel there is no kernel-managed socket;
	// transfers are forwarded in user space. This is intentional protocol,
	// not a placeholder.
	sockfdSentinel = -1
)

// writeFunc performs a control-file write, path relative to the sysfs root.
type writeFunc func(rel string, content string) error

// SysfsDriver is the vhci_hcd backend. Reads go through an fs.FS rooted at
// the sysfs mount and writes through a writeFunc, so tests can run against a
// fstest.MapFS with captured writes and no kernel module.
type SysfsDriver struct {
	fsys   fs.FS
	write  writeFunc
	logger *slog.Logger
	nports int
}

func controllerPath() string {
	return path.Join(sysBus, controllerBusType, "devices", controllerName)
}

func (d *SysfsDriver) readAttribute(name string) (string, error) {
	content, err := fs.ReadFile(d.fsys, path.Join(controllerPath(), name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

// Discover locates the vhci_hcd instance and learns its port count.
// A missing instance directory means the kernel module is not loaded; an
// unreadable one means a privilege problem. The two need different remedies
// and are surfaced as distinct errors.
func (d *SysfsDriver) Discover(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	nportsStr, err := d.readAttribute(nportsFile)
	if err != nil {
		switch {
		case baseerrors.Is(err, fs.ErrNotExist):
			return "", errors.Wrapf(ErrControllerMissing, "no %s under sysfs (is the vhci-hcd module loaded?)", controllerPath())
		case baseerrors.Is(err, fs.ErrPermission):
			return "", errors.Wrapf(ErrPermissionDenied, "cannot read %s/%s", controllerPath(), nportsFile)
		default:
			return "", errors.Wrapf(err, "read %s", nportsFile)
		}
	}
	var nports int
	if _, err := fmt.Sscanf(nportsStr, "%d", &nports); err != nil {
		return "", errors.Wrapf(err, "parse nports %q", nportsStr)
	}
	if nports <= 0 {
		return "", errors.Wrapf(ErrProtocolRejected, "controller reports %d ports", nports)
	}
	d.nports = nports
	d.logger.Debug("vhci controller discovered", "path", controllerPath(), "nports", nports)
	return "/sys/" + controllerPath(), nil
}

func (d *SysfsDriver) NumPorts() int {
	return d.nports
}

// Attach writes the fixed-format attach record "<port> <speed-code>
// <device-id> <sockfd>" to the controller.
func (d *SysfsDriver) Attach(ctx context.Context, port uint32, deviceID uint32, speed usb.Speed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	code, err := SpeedCode(speed)
	if err != nil {
		return err
	}
	record := fmt.Sprintf("%d %d %d %d", port, code, deviceID, sockfdSentinel)
	if err := d.write(path.Join(controllerPath(), attachFile), record); err != nil {
		return classifyControlError(err, "attach %q", record)
	}
	d.logger.Debug("vhci attach", "port", port, "speed", speed.String(), "devid", deviceID)
	return nil
}

// Detach writes the port number to the detach control file. The kernel
// answering EINVAL/ENODEV means the port was already free; that is treated
// as success so detach stays idempotent at the kernel boundary.
func (d *SysfsDriver) Detach(ctx context.Context, port uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record := fmt.Sprintf("%d", port)
	if err := d.write(path.Join(controllerPath(), detachFile), record); err != nil {
		if errnoPortAlreadyFree(err) {
			d.logger.Debug("vhci detach of already-free port", "port", port)
			return nil
		}
		return classifyControlError(err, "detach port %d", port)
	}
	d.logger.Debug("vhci detach", "port", port)
	return nil
}

// Status parses the controller's fixed-column status table, one row per port:
//
//	hub port sta spd dev      sockfd local_busid
//	hs  0000 004 000 00000000 000000 0-0
func (d *SysfsDriver) Status(ctx context.Context) ([]PortStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := d.readAttribute(statusFile)
	if err != nil {
		if baseerrors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(ErrControllerMissing, "no status attribute")
		}
		return nil, errors.Wrap(err, "read status")
	}

	var out []PortStatus
	sc := bufio.NewScanner(strings.NewReader(content))
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			// column header
			first = false
			continue
		}
		if line == "" {
			continue
		}
		var (
			st    PortStatus
			state uint32
			fd    int
		)
		_, err := fmt.Sscanf(line, "%2s %d %d %d %x %d %31s",
			&st.HubSpeed, &st.Port, &state, &st.Speed, &st.DeviceID, &fd, &st.BusID)
		if err != nil {
			return nil, errors.Wrapf(err, "parse status line %q", line)
		}
		st.State = PortState(state)
		out = append(out, st)
	}
	return out, nil
}

// classifyControlError maps an attach/detach write failure onto the
// controller error taxonomy.
func classifyControlError(err error, format string, args ...any) error {
	sentinel := ErrProtocolRejected
	switch {
	case baseerrors.Is(err, fs.ErrNotExist):
		sentinel = ErrControllerMissing
	case baseerrors.Is(err, fs.ErrPermission):
		sentinel = ErrPermissionDenied
	case errnoPortBusy(err):
		sentinel = ErrPortUnavailable
	}
	return errors.Wrapf(sentinel, format+": %v", append(args, err)...)
}
