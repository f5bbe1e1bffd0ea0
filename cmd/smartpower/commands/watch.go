package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbocsi/smartpower/client"
	"github.com/mbocsi/smartpower/proto"
)

// watchCmd follows a running bridge's event stream
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print status and state events from a running bridge",
	Long: `Connect to a bridge's event stream and print every event. Without --url
the bridge is located over mDNS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if url == "" {
			bridge, err := client.DiscoverBridge(ctx, timeout)
			if err != nil {
				return err
			}
			url = bridge.URL()
			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (%s)\n", bridge.Name, url)
		}

		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		return client.WatchBridge(ctx, url, func(ev client.BridgeEvent) {
			if jsonOutput {
				enc.Encode(ev)
				return
			}
			switch ev.Type {
			case client.EventState:
				fmt.Fprintf(out, "%s  state  %s\n", ev.Time.Format(time.TimeOnly), ev.State)
			case client.EventStatus:
				fmt.Fprintf(out, "%s  status", ev.Time.Format(time.TimeOnly))
				status := proto.SmartPowerStatus{Pins: ev.Pins}
				for _, pin := range status.SortedPins() {
					fmt.Fprintf(out, "  %d=%s", pin, ev.Pins[pin])
				}
				fmt.Fprintln(out)
			}
		})
	},
}

func init() {
	watchCmd.Flags().String("url", "", "Bridge base URL, e.g. http://10.0.0.2:8080")
	watchCmd.Flags().Duration("timeout", 5*time.Second, "mDNS lookup timeout")
	watchCmd.Flags().Bool("json", false, "Print raw JSON events")
}
