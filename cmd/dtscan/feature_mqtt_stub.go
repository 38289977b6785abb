//go:build no_mqtt

package main

import (
	"log/slog"

	"github.com/chaz8081/dtscan/internal/config"
	"github.com/chaz8081/dtscan/internal/events"
	"github.com/chaz8081/dtscan/internal/scanner"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *scanner.Scanner, _ *events.Bus, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
