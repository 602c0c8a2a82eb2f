//go:build !linux

package vhci

import (
	"context"
	"log/slog"

	"github.com/efficientgo/core/errors"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

// New returns the platform controller driver. Platforms without a vhci_hcd
// equivalent get a stub whose Discover reports the controller missing, so
// everything above the driver behaves identically.
func New(logger *slog.Logger) Driver {
	return unsupportedDriver{}
}

type unsupportedDriver struct{}

func (unsupportedDriver) Discover(ctx context.Context) (string, error) {
	return "", errors.Wrap(ErrControllerMissing, "no virtual host controller support on this platform")
}

func (unsupportedDriver) NumPorts() int { return 0 }

func (unsupportedDriver) Attach(ctx context.Context, port uint32, deviceID uint32, speed usb.Speed) error {
	return ErrControllerMissing
}

func (unsupportedDriver) Detach(ctx context.Context, port uint32) error {
	return ErrControllerMissing
}

func (unsupportedDriver) Status(ctx context.Context) ([]PortStatus, error) {
	return nil, ErrControllerMissing
}
