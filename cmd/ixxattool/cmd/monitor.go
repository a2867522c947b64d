package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fatih/color"
	"github.com/roffe/ixxatcan"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "print all frames on the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		errg, ctx := errgroup.WithContext(cmd.Context())
		sub := c.Subscribe(ctx)
		defer sub.Close()

		errg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case frame, ok := <-sub.Chan():
					if !ok {
						return nil
					}
					fmt.Printf("%s %s\n", frame.Timestamp.Format("15:04:05.000000"), frame.ColorString())
				}
			}
		})
		errg.Go(adapterErrors(ctx, c))

		err = errg.Wait()
		printStats(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// adapterErrors ends the group on a fatal adapter error.
func adapterErrors(ctx context.Context, c *ixxatcan.Client) func() error {
	return func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-c.Err():
				if err == nil {
					return nil
				}
				if ixxatcan.IsRecoverable(err) {
					log.Println(err)
					continue
				}
				return fmt.Errorf("adapter error: %w", err)
			}
		}
	}
}

var (
	statLabel = color.New(color.FgCyan).SprintFunc()
	statBad   = color.New(color.FgRed).SprintFunc()
)

func printStats(c *ixxatcan.Client) {
	a, ok := c.Adapter().(*ixxatcan.IXXAT)
	if !ok {
		return
	}
	s := a.Stats()
	fmt.Printf("%s %d frames, %d bytes, %s %d, overruns %d\n",
		statLabel("rx:"), s.RxPackets, s.RxBytes, statBad("errors"), s.RxErrors, s.RxOverErrors)
	fmt.Printf("%s %d frames, %d bytes, %s %d, dropped %d\n",
		statLabel("tx:"), s.TxPackets, s.TxBytes, statBad("errors"), s.TxErrors, s.TxDropped)
	fmt.Printf("%s bus-off %d, warning %d, passive %d, bus errors %d, restarts %d\n",
		statLabel("state:"), s.BusOff, s.ErrorWarning, s.ErrorPassive, s.BusError, s.Restarts)
}
