package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/roffe/ixxatcan"
	"github.com/spf13/cobra"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"golang.org/x/sync/errgroup"
)

const flagInterface = "interface"

var socketcanCmd = &cobra.Command{
	Use:   "socketcan",
	Short: "bridge a channel to a SocketCAN interface",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		iface, _ := cmd.Flags().GetString(flagInterface)

		c, err := newClient(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		errg, ctx := errgroup.WithContext(cmd.Context())
		conn, err := socketcan.DialContext(ctx, "can", iface)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", iface, err)
		}
		tx := socketcan.NewTransmitter(conn)
		rx := socketcan.NewReceiver(conn)

		errg.Go(func() error {
			<-ctx.Done()
			return rx.Close()
		})
		errg.Go(func() error {
			for rx.Receive() {
				if rx.HasErrorFrame() {
					continue
				}
				f := rx.Frame()
				frame := ixxatcan.NewFrame(f.ID, f.Data[:f.Length], ixxatcan.Outgoing)
				frame.Extended = f.IsExtended
				frame.RTR = f.IsRemote
				if err := c.Send(frame); err != nil {
					return err
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rx.Err()
		})
		errg.Go(func() error {
			sub := c.Subscribe(ctx)
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case frame, ok := <-sub.Chan():
					if !ok {
						return nil
					}
					if frame.FrameType == ixxatcan.Outgoing || frame.FD || len(frame.Data) > 8 {
						continue
					}
					out := can.Frame{
						ID:         frame.Identifier,
						Length:     uint8(len(frame.Data)),
						IsExtended: frame.Extended,
						IsRemote:   frame.RTR,
					}
					copy(out.Data[:], frame.Data)
					if err := tx.TransmitFrame(ctx, out); err != nil {
						return fmt.Errorf("%s: %w", iface, err)
					}
				}
			}
		})
		errg.Go(adapterErrors(ctx, c))
		log.Printf("bridging IXXAT channel to %s", iface)

		err = errg.Wait()
		printStats(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	socketcanCmd.Flags().StringP(flagInterface, "i", "vcan0", "SocketCAN interface")
	rootCmd.AddCommand(socketcanCmd)
}
