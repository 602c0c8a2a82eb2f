package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimasplund/rust-p2p-usb-sub001/bridge"
	"github.com/kimasplund/rust-p2p-usb-sub001/internal/log"
	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
	"github.com/kimasplund/rust-p2p-usb-sub001/usbip"
	"github.com/kimasplund/rust-p2p-usb-sub001/vhci"
)

// Attach imports one remote device and keeps it attached until the process
// is interrupted. Transfers are forwarded in user space, so the attachment
// only lives as long as this process does.
type Attach struct {
	Host  string `arg:"" help:"Remote exporter address (host:port)"`
	BusID string `arg:"" name:"busid" help:"Remote bus id of the device to import (e.g. 1-2)"`

	VirtualBus             uint32        `help:"Virtual bus number used for device ids" default:"1" env:"USBBRIDGE_VIRTUAL_BUS"`
	MaxConsecutiveFailures int           `help:"Detach automatically after this many consecutive remote failures; 0 disables" default:"0" env:"USBBRIDGE_MAX_CONSECUTIVE_FAILURES"`
	DetachGrace            time.Duration `help:"How long a detach waits for in-flight transfers before cancelling them" default:"5s" env:"USBBRIDGE_DETACH_GRACE"`
	DialTimeout            time.Duration `help:"Timeout for connecting to the exporter" default:"10s" env:"USBBRIDGE_DIAL_TIMEOUT"`
}

// Run is called by kong when the attach command is executed.
func (a *Attach) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := vhci.New(logger)
	mgr := bridge.NewManager(driver, logger, bridge.Options{
		VirtualBus:             a.VirtualBus,
		MaxConsecutiveFailures: a.MaxConsecutiveFailures,
		DetachGrace:            a.DetachGrace,
	})
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, a.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", a.Host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.Host, err)
	}

	proxy, err := usbip.NewProxy(&rawConn{Conn: conn, raw: rawLogger}, a.BusID, logger)
	if err != nil {
		_ = conn.Close()
		return err
	}

	handle, err := mgr.Attach(ctx, proxy)
	if err != nil {
		_ = proxy.Close()
		return err
	}
	vendor, product := proxy.VendorProduct()
	logger.Info("remote device attached, press Ctrl-C to detach",
		"busid", proxy.BusID(), "ids", fmt.Sprintf("%04x:%04x", vendor, product))

	if dev, derr := mgr.Device(handle); derr == nil {
		probeDescriptor(ctx, logger, dev)
	}

	<-ctx.Done()
	stop()

	// The signal context is spent; give the detach its own bounded one.
	tctx, tcancel := context.WithTimeout(context.Background(), a.DetachGrace+10*time.Second)
	defer tcancel()
	return mgr.Detach(tctx, handle)
}

// probeDescriptor reads the device descriptor over the freshly attached
// device, both as a first end-to-end transfer and to log what actually came
// up on the port. Failures are reported but do not tear the attachment down.
func probeDescriptor(ctx context.Context, logger *slog.Logger, dev *bridge.VirtualDevice) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	setup := usb.GetDescriptorSetup(usb.DeviceDescType, 0, usb.DeviceDescLen)
	rep, err := dev.Transfer(pctx, usb.TransferControl, 0, usb.DirIn, setup, nil, usb.DeviceDescLen)
	if err != nil {
		logger.Warn("device descriptor probe failed", "error", err)
		return
	}
	desc, err := usb.ParseDeviceDescriptor(rep.Data)
	if err != nil {
		logger.Warn("device descriptor probe returned garbage", "error", err)
		return
	}
	logger.Info("device descriptor",
		"usb", fmt.Sprintf("%x.%02x", desc.BcdUSB>>8, desc.BcdUSB&0xff),
		"class", fmt.Sprintf("%02x", desc.BDeviceClass),
		"configurations", desc.BNumConfigurations)
}

// rawConn mirrors every chunk crossing the exporter connection into the raw
// traffic logger.
type rawConn struct {
	net.Conn
	raw log.RawLogger
}

func (c *rawConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.raw != nil {
		c.raw.Log(false, p[:n])
	}
	return n, err
}

func (c *rawConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 && c.raw != nil {
		c.raw.Log(true, p[:n])
	}
	return n, err
}
