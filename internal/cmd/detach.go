package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/kimasplund/rust-p2p-usb-sub001/vhci"
)

// Detach frees a virtual port directly at the controller. Useful for ports
// left attached by a crashed process or an external tool.
type Detach struct {
	Port    uint32        `arg:"" help:"Virtual port number to detach"`
	Timeout time.Duration `help:"Operation timeout" default:"10s"`
}

func (d *Detach) Run(logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	driver := vhci.New(logger)
	if _, err := driver.Discover(ctx); err != nil {
		return err
	}
	if err := driver.Detach(ctx, d.Port); err != nil {
		return err
	}
	logger.Info("port detached", "port", d.Port)
	return nil
}
