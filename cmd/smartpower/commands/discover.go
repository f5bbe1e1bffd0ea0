package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbocsi/smartpower/client"
)

var errNoDevice = errors.New("no power strip found; pass --addr or set device.address")

// discoverCmd broadcasts KnockKnock for a while and lists the replies
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find power strips on the local network",
	Long: `Broadcast discovery requests and list every power strip that answers
before the timeout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		devices, err := discover(cmd.Context(), timeout, false)
		if err != nil {
			return err
		}
		slices.SortFunc(devices, func(a, b client.FoundDevice) int { return strings.Compare(a.IP, b.IP) })

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(devices)
		}
		printDevices(cmd.OutOrStdout(), devices)
		return nil
	},
}

func init() {
	discoverCmd.Flags().Duration("timeout", 3*time.Second, "How long to listen for replies")
	discoverCmd.Flags().Bool("json", false, "Print JSON")
}

// discover runs a Finder until timeout, or until the first device when
// first is set.
func discover(ctx context.Context, timeout time.Duration, first bool) ([]client.FoundDevice, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	finder := client.NewFinder(cfg.FinderOptions()...)
	if first {
		finder.OnFoundDevice(func(client.FoundDevice) { cancel() })
	}
	if err := finder.Start(ctx); err != nil {
		return nil, err
	}
	<-ctx.Done()
	finder.Stop()
	if err := finder.Wait(); err != nil {
		return nil, err
	}
	return finder.Devices(), nil
}

// deviceAddr returns the configured address, or discovers the first strip.
func deviceAddr(ctx context.Context) (string, error) {
	if cfg.Device.Address != "" {
		return cfg.Device.Address, nil
	}
	devices, err := discover(ctx, cfg.Discovery.Interval, true)
	if err != nil {
		return "", fmt.Errorf("discover: %w", err)
	}
	if len(devices) == 0 {
		return "", errNoDevice
	}
	return devices[0].Addr(cfg.Device.Port), nil
}

func printDevices(w io.Writer, devices []client.FoundDevice) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No power strips found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tDEVICE ID")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%08x%08x\n", d.Addr(cfg.Device.Port), d.DeviceType, d.HighDeviceID, d.LowDeviceID)
	}
	tw.Flush()
}
