package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roffe/ixxatcan/pkg/ixxat"
	"github.com/roffe/ixxatcan/pkg/ixxat/usbdev"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "print device information and channels of an adapter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString(flagPort)
		index, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		tr, err := usbdev.Open(index)
		if err != nil {
			return err
		}
		defer tr.Close()

		ctx := cmd.Context()
		dev, err := ixxat.Probe(ctx, tr, tr.ProductID(), func(int) ixxat.NetStack {
			return ixxat.IdleStack{}
		})
		if err != nil {
			return err
		}
		defer dev.Disconnect(context.Background())

		p := dev.Profile()
		fmt.Printf("adapter:  %s\n", tr.Info())
		fmt.Printf("device:   %s\n", dev.Info())
		fmt.Printf("family:   %s, %d MHz clock, modes %s\n", p.Family, p.Clock/1e6, p.Modes)
		for _, ch := range dev.Channels() {
			in, out := ch.Endpoints()
			fmt.Printf("channel %d: endpoints in 0x%02X out 0x%02X\n", ch.Index(), in, out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
