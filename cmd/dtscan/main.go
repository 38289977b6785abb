package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/config"
	"github.com/chaz8081/dtscan/internal/events"
	"github.com/chaz8081/dtscan/internal/registry"
	"github.com/chaz8081/dtscan/internal/scanner"
	"github.com/chaz8081/dtscan/internal/store"
)

var configPath string

func main() {
	Execute()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "dtscan",
	Short:         "Discover and command data transfer peripherals over Bluetooth LE",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/dtscan/config.yaml)")
}

// loadConfig reads the config file, falling back to defaults when the
// default file does not exist. An explicit --config must exist.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// app wires the radio, registry, store and scanner for one scan session.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	registry  *registry.Registry
	scanner   *scanner.Scanner
	transport *ble.BluetoothTransport
	store     *store.BoltStore
	mqtt      *mqttStopper
}

func newApp() (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	transport, err := ble.NewBluetoothTransport(logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("bluetooth: %w", err)
	}

	bus := events.NewBus(logger)
	reg := registry.New(bus)
	sc := scanner.New(transport, reg, bus, st, logger, cfg.ScannerOptions())

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		registry:  reg,
		scanner:   sc,
		transport: transport,
		store:     st,
		mqtt:      initMQTT(sc, bus, cfg, logger),
	}, nil
}

// Close releases resources in reverse order. The scanner must have stopped.
func (a *app) Close() {
	a.mqtt.Stop()
	if err := a.transport.Close(); err != nil {
		a.logger.Warn("closing bluetooth transport", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "err", err)
	}
}
