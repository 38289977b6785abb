//go:build !no_mqtt

// Package mqtt mirrors the scan session onto an MQTT broker and accepts
// commands and filter changes from it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/dtscan/internal/ble/protocol"
	"github.com/chaz8081/dtscan/internal/events"
	"github.com/chaz8081/dtscan/internal/filter"
	"github.com/chaz8081/dtscan/internal/registry"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller is the part of the scanner the bridge drives.
type Controller interface {
	IssueCommand(ctx context.Context, id string, cmd protocol.Command) error
	SetFilters(ctx context.Context, s filter.Settings) error
	Filters() filter.Settings
	FilteredView() []registry.Peripheral
}

// client is the subset of pahomqtt.Client used by the bridge.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes peripheral state and the filtered view, and forwards
// commands received on <prefix>/<peripheral>/set to the scanner.
type Bridge struct {
	client client
	ctrl   Controller
	bus    *events.Bus
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	topics    map[string]string // topic name -> peripheral ID
	admitted  map[string]bool
	published map[string]registry.Peripheral // last state sent per peripheral
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, ctrl, bus, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("dtscan").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.bridgeTopic("state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
			b.publishFilters(b.ctrl.Filters())
			b.publishView()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// Handlers may fire as soon as Connect is called.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(c client, ctrl Controller, bus *events.Bus, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client: c,
		ctrl:   ctrl,
		bus:    bus,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		topics:    make(map[string]string),
		admitted:  make(map[string]bool),
		published: make(map[string]registry.Peripheral),
	}
}

// Start subscribes to scanner events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.resetAdmitted(b.viewIDs())
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	switch event.Type {
	case events.PeripheralDiscovered, events.PeripheralUpdated:
		// Only admitted peripherals are mirrored, and only when more than
		// their last-seen time changed.
		if p, ok := events.Payload[registry.Peripheral](event); ok && b.isAdmitted(p.ID) && b.changed(p) {
			b.publishPeripheral(p)
		}
	case events.PeripheralAdmitted:
		b.mu.Lock()
		b.admitted[event.Peripheral] = true
		b.mu.Unlock()
		for _, p := range b.ctrl.FilteredView() {
			if p.ID == event.Peripheral && b.changed(p) {
				b.publishPeripheral(p)
			}
		}
		b.publishView()
	case events.ViewReset:
		ids, ok := events.Payload[[]string](event)
		if !ok {
			ids = b.viewIDs()
		}
		b.resetAdmitted(ids)
		b.publishView()
	case events.FiltersChanged:
		if s, ok := events.Payload[filter.Settings](event); ok {
			b.publishFilters(s)
		}
	case events.IndicatorChanged:
		b.publish(b.peripheralTopic(event.Peripheral)+"/indicator", mustJSON(event.Data), false)
	case events.SessionStarted, events.SessionFinished:
		b.publish(b.peripheralTopic(event.Peripheral)+"/session", mustJSON(sessionMessage{Type: event.Type, Data: event.Data}), false)
	}
}

type sessionMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type peripheralState struct {
	registry.Peripheral
	Admitted bool `json:"admitted"`
}

func (b *Bridge) publishPeripheral(p registry.Peripheral) {
	b.publish(b.peripheralTopic(p.ID), mustJSON(peripheralState{Peripheral: p, Admitted: true}), true)
}

func (b *Bridge) publishView() {
	b.publish(b.bridgeTopic("view"), mustJSON(b.viewIDs()), true)
}

func (b *Bridge) viewIDs() []string {
	view := b.ctrl.FilteredView()
	ids := make([]string, 0, len(view))
	for _, p := range view {
		ids = append(ids, p.ID)
	}
	return ids
}

func (b *Bridge) publishFilters(s filter.Settings) {
	b.publish(b.bridgeTopic("filters"), mustJSON(s), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.bridgeTopic("state"), []byte(state), true)
}

func (b *Bridge) isAdmitted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admitted[id]
}

// resetAdmitted replaces the admitted set. State of peripherals that left the
// view is forgotten so they are published in full if admitted again.
func (b *Bridge) resetAdmitted(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.admitted)
	for _, id := range ids {
		b.admitted[id] = true
	}
	for id := range b.published {
		if !b.admitted[id] {
			delete(b.published, id)
		}
	}
}

// changed records p as published and reports whether it differs from the
// previous state in anything but LastSeen.
func (b *Bridge) changed(p registry.Peripheral) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.published[p.ID]
	b.published[p.ID] = p
	if !ok {
		return true
	}
	if !slices.Equal(prev.AdvertisedServices, p.AdvertisedServices) {
		return true
	}
	prev.AdvertisedServices, p.AdvertisedServices = nil, nil
	prev.LastSeen = p.LastSeen
	return !reflect.DeepEqual(prev, p)
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.prefix+"/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	b.client.Subscribe(b.bridgeTopic("filters/set"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleFilters(msg.Payload())
	})
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	name, ok := commandTopicName(b.prefix, topic)
	if !ok {
		return
	}
	b.mu.Lock()
	id, known := b.topics[name]
	b.mu.Unlock()
	if !known {
		b.logger.Warn("command for unknown peripheral", "topic", topic)
		return
	}

	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "id", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.ctrl.IssueCommand(ctx, id, cmd); err != nil {
		b.logger.Warn("command rejected", "id", id, "command", cmd, "err", err)
		b.publish(b.peripheralTopic(id)+"/session", mustJSON(sessionMessage{
			Type: "session_rejected",
			Data: map[string]string{"command": cmd.String(), "error": err.Error()},
		}), false)
	}
}

func (b *Bridge) handleFilters(payload []byte) {
	settings, err := parseFilters(payload, b.ctrl.Filters())
	if err != nil {
		b.logger.Warn("invalid filters", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.ctrl.SetFilters(ctx, settings); err != nil {
		b.logger.Warn("set filters failed", "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// peripheralTopic returns the state topic for id and remembers the mapping
// so that commands on <topic>/set can be routed back.
func (b *Bridge) peripheralTopic(id string) string {
	name := topicName(id)
	b.mu.Lock()
	b.topics[name] = id
	b.mu.Unlock()
	return b.prefix + "/" + name
}

func (b *Bridge) bridgeTopic(suffix string) string {
	return b.prefix + "/bridge/" + suffix
}

// topicName turns a transport identifier into a single topic level.
// Colons in hardware addresses are dropped: "AA:BB:CC:DD:EE:FF" -> "aabbccddeeff".
func topicName(id string) string {
	name := strings.ToLower(strings.ReplaceAll(id, ":", ""))
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(name)
}

// commandTopicName extracts the peripheral level from <prefix>/<name>/set.
func commandTopicName(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || name == "" || name == "bridge" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

type commandPayload struct {
	Command string `json:"command"`
}

func parseCommand(payload []byte) (protocol.Command, error) {
	var p commandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.CommandNone, fmt.Errorf("decode command: %w", err)
	}
	return protocol.ParseCommand(p.Command)
}

// parseFilters overlays the fields present in payload on current.
func parseFilters(payload []byte, current filter.Settings) (filter.Settings, error) {
	s := current
	if err := json.Unmarshal(payload, &s); err != nil {
		return current, fmt.Errorf("decode filters: %w", err)
	}
	return s, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
