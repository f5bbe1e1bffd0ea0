package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbocsi/smartpower/client"
	"github.com/mbocsi/smartpower/proto"
)

// statusWait bounds the wait for the status that follows an acknowledged
// command.
const statusWait = time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the identity and outlet states of a power strip",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return withSession(cmd.Context(), func(ctx context.Context, c *client.Client, status proto.SmartPowerStatus) error {
			device, _ := c.Device()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Addr   string              `json:"addr"`
					Device proto.HelloResponse `json:"device"`
					proto.SmartPowerStatus
				}{c.Addr(), device, status})
			}
			printStatus(cmd.OutOrStdout(), c.Addr(), device, status)
			return nil
		})
	},
}

var onCmd = &cobra.Command{
	Use:   "on",
	Short: "Switch every outlet on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, (*client.Client).SendAllOn)
	},
}

var offCmd = &cobra.Command{
	Use:   "off",
	Short: "Switch every outlet off",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, (*client.Client).SendAllOff)
	},
}

var invertCmd = &cobra.Command{
	Use:   "invert PIN",
	Short: "Toggle one outlet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pin, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid pin %q: must be 0-255", args[0])
		}
		return runCommand(cmd, func(c *client.Client) *client.Request {
			return c.SetInversion(uint8(pin))
		})
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print JSON")
}

// withSession connects, runs fn with the initial status, and closes the
// session.
func withSession(ctx context.Context, fn func(context.Context, *client.Client, proto.SmartPowerStatus) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := deviceAddr(ctx)
	if err != nil {
		return err
	}

	c := client.NewClient(addr, cfg.ClientOptions()...)
	defer c.Close()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Device.DialTimeout+cfg.Device.HandshakeTimeout)
	defer cancel()
	status, err := c.Connect(connectCtx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.Addr(), err)
	}
	return fn(ctx, c, status)
}

// runCommand sends one command and prints the outlet states that follow.
func runCommand(cmd *cobra.Command, send func(*client.Client) *client.Request) error {
	return withSession(cmd.Context(), func(ctx context.Context, c *client.Client, _ proto.SmartPowerStatus) error {
		updated := make(chan proto.SmartPowerStatus, 1)
		c.OnStatus(func(s proto.SmartPowerStatus) {
			select {
			case updated <- s:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(ctx, cfg.Device.RequestTimeout)
		defer cancel()
		req := send(c)
		if err := req.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", req.Kind, err)
		}

		select {
		case s := <-updated:
			device, _ := c.Device()
			printStatus(cmd.OutOrStdout(), c.Addr(), device, s)
		case <-time.After(statusWait):
			fmt.Fprintf(cmd.OutOrStdout(), "%s acknowledged\n", req.Kind)
		}
		return nil
	})
}

func printStatus(w io.Writer, addr string, device proto.HelloResponse, status proto.SmartPowerStatus) {
	fmt.Fprintf(w, "%s  %s  %016x\n", addr, device.DeviceType, device.DeviceID())
	for _, pin := range status.SortedPins() {
		fmt.Fprintf(w, "  outlet %d: %s\n", pin, status.Pins[pin])
	}
}
