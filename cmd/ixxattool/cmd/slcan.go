package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/ixxatcan"
	"github.com/roffe/ixxatcan/pkg/slcan"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

const (
	flagSerialPort = "serial"
	flagSerialBaud = "serial-baudrate"
)

var slcanCmd = &cobra.Command{
	Use:   "slcan",
	Short: "expose a channel as a Lawicel/SLCAN device on a serial port",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		portName, _ := cmd.Flags().GetString(flagSerialPort)
		baud, _ := cmd.Flags().GetInt(flagSerialBaud)
		rate, _ := cmd.Flags().GetFloat64(flagRate)

		port, err := serial.Open(portName, &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return fmt.Errorf("failed to open com port %q: %w", portName, err)
		}
		defer port.Close()
		port.SetReadTimeout(10 * time.Millisecond)
		port.ResetInputBuffer()
		port.ResetOutputBuffer()

		c, err := newClient(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		b := &slcanBridge{port: port, client: c, rate: rate}
		errg, ctx := errgroup.WithContext(cmd.Context())
		errg.Go(func() error { return b.readHost(ctx) })
		errg.Go(func() error { return b.writeHost(ctx) })
		errg.Go(adapterErrors(ctx, c))
		log.Printf("bridging %s to IXXAT channel", portName)

		err = errg.Wait()
		printStats(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	f := slcanCmd.Flags()
	f.StringP(flagSerialPort, "s", "/dev/ttyGS0", "serial port facing the host")
	f.Int(flagSerialBaud, 115200, "serial port baudrate")
	rootCmd.AddCommand(slcanCmd)
}

type slcanBridge struct {
	port   serial.Port
	client *ixxatcan.Client
	rate   float64
	open   atomic.Bool

	wmu sync.Mutex
	out []byte
}

func (b *slcanBridge) write(p []byte) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.port.Write(p); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	return nil
}

func (b *slcanBridge) readHost(ctx context.Context) error {
	var split slcan.Splitter
	readBuf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := b.port.Read(readBuf)
		if err != nil {
			return fmt.Errorf("failed to read com port: %w", err)
		}
		var werr error
		split.Feed(readBuf[:n], func(line []byte) {
			if err := b.write(b.handle(line)); err != nil && werr == nil {
				werr = err
			}
		})
		if werr != nil {
			return werr
		}
	}
	return ctx.Err()
}

// handle executes one host command and returns the reply.
func (b *slcanBridge) handle(line []byte) []byte {
	cmd, err := slcan.ParseCommand(line)
	if err != nil {
		log.Println(err)
		return []byte{slcan.Bell}
	}
	switch cmd.Op {
	case 'S':
		if cmd.Bitrate != b.rate {
			log.Printf("host asked for %g kbit/s, channel runs %g kbit/s", cmd.Bitrate, b.rate)
		}
	case 'O', 'L':
		b.open.Store(true)
	case 'C':
		b.open.Store(false)
	case 'V':
		return []byte("V1013\r")
	case 'v':
		return []byte("v0100\r")
	case 'N':
		return []byte("NIXAT\r")
	case 'F':
		return []byte("F00\r")
	case 't', 'T', 'r', 'R':
		if !b.open.Load() {
			return []byte{slcan.Bell}
		}
		f := cmd.Frame
		frame := &ixxatcan.CANFrame{
			Identifier: f.ID,
			Extended:   f.Extended,
			RTR:        f.RTR,
			Data:       f.Data,
			FrameType:  ixxatcan.Outgoing,
		}
		if err := b.client.Send(frame); err != nil {
			log.Println(err)
			return []byte{slcan.Bell}
		}
		if f.Extended {
			return []byte("Z\r")
		}
		return []byte("z\r")
	}
	return []byte{slcan.CR}
}

func (b *slcanBridge) writeHost(ctx context.Context) error {
	sub := b.client.Subscribe(ctx)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.Chan():
			if !ok {
				return nil
			}
			if !b.open.Load() || frame.FD || frame.FrameType == ixxatcan.Outgoing {
				continue
			}
			b.out = slcan.AppendFrame(b.out[:0], &slcan.Frame{
				ID:       frame.Identifier,
				Extended: frame.Extended,
				RTR:      frame.RTR,
				Data:     frame.Data,
			})
			if err := b.write(b.out); err != nil {
				return err
			}
		}
	}
}
