package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chaz8081/dtscan/internal/ble/protocol"
)

func init() {
	rootCmd.AddCommand(listCommandsCmd)
}

var listCommandsCmd = &cobra.Command{
	Use:   "list-commands",
	Short: "List the commands a peripheral accepts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "COMMAND\tFRAME")
		for _, c := range protocol.Commands() {
			frame, err := protocol.Encode(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t% x\n", c, frame)
		}
		return tw.Flush()
	},
}
