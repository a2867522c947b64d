package cmd

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/roffe/ixxatcan"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "ixxattool",
	Short:        "IXXAT USB-to-CAN tool",
	Long:         `List, inspect and use IXXAT USB-to-CAN adapters through libusb`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagPort         = "port"
	flagChannel      = "channel"
	flagRate         = "rate"
	flagDataRate     = "data-rate"
	flagSamplePoint  = "sample-point"
	flagListenOnly   = "listen-only"
	flagBerr         = "berr"
	flagRestartDelay = "restart-delay"
	flagFilter       = "filter"
	flagLoopback     = "loopback"
	flagDebug        = "debug"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagPort, "p", "0", "adapter index, see list")
	pf.IntP(flagChannel, "c", 0, "can channel on the adapter")
	pf.Float64P(flagRate, "r", 500, "can bitrate in kbit/s")
	pf.Float64(flagDataRate, 0, "CAN FD data phase bitrate in kbit/s, 0 = classic CAN")
	pf.Uint32(flagSamplePoint, 0, "sample point in per mille, 0 = default")
	pf.Bool(flagListenOnly, false, "listen only mode")
	pf.Bool(flagBerr, false, "report bus errors")
	pf.Duration(flagRestartDelay, 0, "restart after bus-off, 0 = give up")
	pf.StringSlice(flagFilter, nil, "only receive these hex identifiers")
	pf.Bool(flagLoopback, false, "receive own frames once sent")
	pf.BoolP(flagDebug, "d", false, "debug mode")
}

func adapterConfig(cmd *cobra.Command) (*ixxatcan.AdapterConfig, error) {
	f := cmd.Flags()
	port, _ := f.GetString(flagPort)
	channel, _ := f.GetInt(flagChannel)
	rate, _ := f.GetFloat64(flagRate)
	dataRate, _ := f.GetFloat64(flagDataRate)
	sp, _ := f.GetUint32(flagSamplePoint)
	listenOnly, _ := f.GetBool(flagListenOnly)
	berr, _ := f.GetBool(flagBerr)
	restartDelay, _ := f.GetDuration(flagRestartDelay)
	filterArgs, _ := f.GetStringSlice(flagFilter)
	loopback, _ := f.GetBool(flagLoopback)
	debug, _ := f.GetBool(flagDebug)

	filter, err := parseIdentifiers(filterArgs)
	if err != nil {
		return nil, err
	}
	return &ixxatcan.AdapterConfig{
		Debug:         debug,
		Port:          port,
		Channel:       channel,
		CANRate:       rate,
		DataRate:      dataRate,
		SamplePoint:   sp,
		ListenOnly:    listenOnly,
		BerrReporting: berr,
		RestartDelay:  restartDelay,
		CANFilter:     filter,
		PrintVersion:  true,
		AdditionalConfig: map[string]string{
			"loopback": strconv.FormatBool(loopback),
		},
	}, nil
}

func parseIdentifiers(args []string) ([]uint32, error) {
	out := make([]uint32, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(a), "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid identifier %q: %w", a, err)
		}
		out = append(out, uint32(id))
	}
	return out, nil
}

// newClient opens the configured adapter and logs its events until ctx is done.
func newClient(ctx context.Context, cmd *cobra.Command) (*ixxatcan.Client, error) {
	cfg, err := adapterConfig(cmd)
	if err != nil {
		return nil, err
	}
	c, err := ixxatcan.New(ctx, "IXXAT", cfg)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-c.Event():
				log.Println(evt)
			}
		}
	}()
	return c, nil
}
