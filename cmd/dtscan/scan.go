package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/dtscan/internal/registry"
)

var (
	scanDuration time.Duration
	scanJSON     bool
)

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 0, "stop after this long (default: until interrupted)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print the filtered view as JSON")
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for peripherals and print the filtered view on exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if scanDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, scanDuration)
			defer cancel()
		}

		a.logger.Info("scanning, press Ctrl+C to stop", "duration", scanDuration)
		if err := a.scanner.Run(ctx); err != nil {
			return err
		}

		view := a.scanner.FilteredView()
		if scanJSON {
			return printJSON(os.Stdout, view)
		}
		printView(os.Stdout, view)
		return nil
	},
}

func printView(w io.Writer, view []registry.Peripheral) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRSSI\tHIGHEST\tADDRESS\tCOMMISSIONING\tSUB-DEVICES")
	for _, p := range view {
		addr := p.AddressSuffix
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%t\n",
			p.ID, p.Name, p.RSSI, p.HighestRSSI, addr, p.Commissioning, p.HasCommissionedSubDevices)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
