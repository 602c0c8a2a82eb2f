package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/kimasplund/rust-p2p-usb-sub001/vhci"
)

// PortStatus prints the controller's per-port status table.
type PortStatus struct {
	Timeout time.Duration `help:"Operation timeout" default:"10s"`
}

func (p *PortStatus) Run(logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	driver := vhci.New(logger)
	path, err := driver.Discover(ctx)
	if err != nil {
		return err
	}
	stats, err := driver.Status(ctx)
	if err != nil {
		return err
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("controller: %s (%d ports)\n", path, driver.NumPorts())
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tHUB\tSTATE\tSPEED\tDEVID\tBUSID")
		for _, st := range stats {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%08x\t%s\n",
				st.Port, st.HubSpeed, st.State, st.Speed, st.DeviceID, st.BusID)
		}
		return w.Flush()
	}
	for _, st := range stats {
		fmt.Printf("%d %s %s %d %08x %s\n",
			st.Port, st.HubSpeed, st.State, st.Speed, st.DeviceID, st.BusID)
	}
	return nil
}
