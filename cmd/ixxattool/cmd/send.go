package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roffe/ixxatcan"
	"github.com/roffe/ixxatcan/pkg/bar"
	"github.com/spf13/cobra"
)

const (
	flagCount    = "count"
	flagInterval = "interval"
	flagFD       = "fd"
)

var sendCmd = &cobra.Command{
	Use:   "send <id>#<data>",
	Short: "send frames, e.g. 7DF#0201 or 18DAF110#021003",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt(flagCount)
		interval, _ := cmd.Flags().GetDuration(flagInterval)
		fd, _ := cmd.Flags().GetBool(flagFD)

		frame, err := parseFrame(args[0], fd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		c, err := newClient(ctx, cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		b := bar.New(count, "sending")
		t := time.NewTicker(max(interval, time.Millisecond))
		defer t.Stop()
		for i := 0; i < count; i++ {
			f := *frame
			if err := c.Send(&f); err != nil {
				return err
			}
			b.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
		fmt.Println()
		printStats(c)
		return nil
	},
}

func init() {
	f := sendCmd.Flags()
	f.IntP(flagCount, "n", 1, "number of frames")
	f.Duration(flagInterval, 10*time.Millisecond, "delay between frames")
	f.Bool(flagFD, false, "send as CAN FD frame with bit rate switch")
	rootCmd.AddCommand(sendCmd)
}

// parseFrame reads the cansend format. Identifiers longer than three
// hex digits are extended, R after the # sends a remote request.
func parseFrame(s string, fd bool) (*ixxatcan.CANFrame, error) {
	idPart, dataPart, ok := strings.Cut(s, "#")
	if !ok {
		return nil, fmt.Errorf("invalid frame %q, expected <id>#<data>", s)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier %q: %w", idPart, err)
	}
	extended := len(idPart) > 3

	if strings.HasPrefix(strings.ToUpper(dataPart), "R") {
		n := 0
		if len(dataPart) > 1 {
			if n, err = strconv.Atoi(dataPart[1:]); err != nil || n > 8 {
				return nil, fmt.Errorf("invalid remote length %q", dataPart[1:])
			}
		}
		return &ixxatcan.CANFrame{
			Identifier: uint32(id),
			Extended:   extended,
			RTR:        true,
			Data:       make([]byte, n),
			FrameType:  ixxatcan.Outgoing,
		}, nil
	}

	data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid data %q: %w", dataPart, err)
	}
	frame := ixxatcan.NewFrame(uint32(id), data, ixxatcan.Outgoing)
	if fd {
		frame = ixxatcan.NewFDFrame(uint32(id), data, ixxatcan.Outgoing)
	}
	frame.Extended = extended
	return frame, nil
}
