package cmd

import (
	"fmt"

	"github.com/roffe/ixxatcan/pkg/ixxat/usbdev"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list attached adapters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, err := usbdev.List()
		if err != nil {
			return err
		}
		if len(devs) == 0 {
			fmt.Println("no adapters found")
			return nil
		}
		for i, d := range devs {
			fmt.Printf("#%d %s\n", i, d)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
