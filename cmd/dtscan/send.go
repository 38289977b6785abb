package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/dtscan/internal/ble/protocol"
	"github.com/chaz8081/dtscan/internal/events"
	"github.com/chaz8081/dtscan/internal/scanner"
	"github.com/chaz8081/dtscan/internal/session"
)

var sendWait time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", time.Minute, "how long to wait for the peripheral and the command outcome")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peripheral-id> <command>",
	Short: "Scan until a peripheral is seen, send it a command and print the outcome",
	Long:  "Scan until a peripheral is seen, send it a command and print the outcome.\nRun 'dtscan list-commands' for the available commands.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		command, err := protocol.ParseCommand(args[1])
		if err != nil {
			return err
		}
		if command == protocol.CommandNone {
			return protocol.ErrNoCommand
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, sendWait)
		defer cancel()

		seen := make(chan struct{}, 1)
		unsubSeen := a.bus.Subscribe(events.Filter{Types: []string{events.PeripheralDiscovered}, Peripheral: id}, func(events.Event) {
			select {
			case seen <- struct{}{}:
			default:
			}
		})
		defer unsubSeen()

		finished := make(chan scanner.SessionResult, 16)
		unsubFinished := a.bus.On(events.SessionFinished, func(e events.Event) {
			if res, ok := events.Payload[scanner.SessionResult](e); ok {
				select {
				case finished <- res:
				default:
				}
			}
		})
		defer unsubFinished()

		runCtx, stopScan := context.WithCancel(ctx)
		runErr := make(chan error, 1)
		go func() { runErr <- a.scanner.Run(runCtx) }()
		defer func() {
			stopScan()
			<-runErr
		}()

		a.logger.Info("waiting for peripheral", "id", id)
		select {
		case <-seen:
		case err := <-runErr:
			runErr <- err
			return fmt.Errorf("scanner stopped: %w", err)
		case <-ctx.Done():
			return fmt.Errorf("peripheral %s not seen: %w", id, ctx.Err())
		}

		res, err := sendAndWait(ctx, a.scanner, finished, id, command)
		if err != nil {
			return err
		}
		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
		if p, ok := a.registry.Lookup(id); ok {
			if err := printJSON(os.Stdout, p); err != nil {
				return err
			}
		}
		if res.Err != nil {
			return res.Err
		}
		return nil
	},
}

// sendAndWait issues command, retrying while a probe session is in flight,
// and returns the outcome of the command's own session.
func sendAndWait(ctx context.Context, sc *scanner.Scanner, finished <-chan scanner.SessionResult, id string, command protocol.Command) (scanner.SessionResult, error) {
	for {
		err := sc.IssueCommand(ctx, id, command)
		if err == nil {
			break
		}
		if !errors.Is(err, session.ErrBusy) {
			return scanner.SessionResult{}, err
		}
		select {
		case <-finished:
		case <-ctx.Done():
			return scanner.SessionResult{}, fmt.Errorf("waiting for idle session: %w", ctx.Err())
		}
	}

	for {
		select {
		case res := <-finished:
			if res.Peripheral == id && !res.Probe && res.Command == command.String() {
				return res, nil
			}
		case <-ctx.Done():
			return scanner.SessionResult{}, fmt.Errorf("waiting for %s outcome: %w", command, ctx.Err())
		}
	}
}
