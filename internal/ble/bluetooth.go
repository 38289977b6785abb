package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

const eventBuffer = 256

// BluetoothTransport implements Transport on top of tinygo-org/bluetooth.
// GATT operations run one at a time on a worker goroutine, so results are
// delivered in the order the operations were requested. Scanning runs on its
// own goroutine because Adapter.Scan blocks until StopScan.
type BluetoothTransport struct {
	adapter *bluetooth.Adapter
	known   []bluetooth.UUID
	events  chan Event
	ops     chan func()
	done    chan struct{}
	logger  *slog.Logger

	// mu protects the maps below.
	mu       sync.Mutex
	devices  map[string]*bluetooth.Device
	services map[string]map[string]bluetooth.DeviceService
	chars    map[string]map[string]bluetooth.DeviceCharacteristic
	scanning bool
}

// NewBluetoothTransport creates a transport using the platform default adapter.
func NewBluetoothTransport(logger *slog.Logger) (*BluetoothTransport, error) {
	known := make([]bluetooth.UUID, 0, len(KnownServiceUUIDs))
	for _, s := range KnownServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID %s: %w", s, err)
		}
		known = append(known, u)
	}
	t := &BluetoothTransport{
		adapter:  bluetooth.DefaultAdapter,
		known:    known,
		events:   make(chan Event, eventBuffer),
		ops:      make(chan func(), 16),
		done:     make(chan struct{}),
		logger:   logger.With("component", "ble"),
		devices:  make(map[string]*bluetooth.Device),
		services: make(map[string]map[string]bluetooth.DeviceService),
		chars:    make(map[string]map[string]bluetooth.DeviceCharacteristic),
	}
	go t.worker()
	return t, nil
}

func (t *BluetoothTransport) worker() {
	for {
		select {
		case op := <-t.ops:
			op()
		case <-t.done:
			return
		}
	}
}

func (t *BluetoothTransport) queue(op func()) error {
	select {
	case t.ops <- op:
		return nil
	case <-t.done:
		return fmt.Errorf("ble: transport closed")
	}
}

func (t *BluetoothTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *BluetoothTransport) Events() <-chan Event { return t.events }

func (t *BluetoothTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo/bluetooth reports peripheral-initiated disconnects through the
	// adapter-level connect handler.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		t.forget(id)
		t.emit(Event{Kind: EventDisconnected, ID: id})
	})
	return nil
}

func (t *BluetoothTransport) StartScan() error {
	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = true
	t.mu.Unlock()

	go func() {
		err := t.adapter.Scan(t.onScanResult)
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
		if err != nil {
			t.emit(Event{Kind: EventError, Err: fmt.Errorf("ble: scan: %w", err)})
		}
	}()
	return nil
}

func (t *BluetoothTransport) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	var services []string
	for _, u := range t.known {
		if result.HasServiceUUID(u) {
			services = append(services, u.String())
		}
	}
	ev := Event{
		Kind:     EventAdvertisement,
		ID:       result.Address.String(),
		Name:     result.LocalName(),
		Services: services,
		RSSI:     int(result.RSSI),
	}
	// Advertisements repeat constantly; never stall the radio callback.
	select {
	case t.events <- ev:
	default:
		t.logger.Debug("[BLE] event buffer full, dropping advertisement", "id", ev.ID)
	}
}

func (t *BluetoothTransport) StopScan() error {
	t.mu.Lock()
	scanning := t.scanning
	t.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := t.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (t *BluetoothTransport) Connect(id string) error {
	return t.queue(func() {
		var addr bluetooth.Address
		addr.Set(id)
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			t.emit(Event{Kind: EventConnectFailed, ID: id, Err: fmt.Errorf("ble: connect to %s: %w", id, err)})
			return
		}
		t.mu.Lock()
		t.devices[id] = &device
		t.mu.Unlock()
		t.emit(Event{Kind: EventConnected, ID: id})
	})
}

func (t *BluetoothTransport) Disconnect(id string) error {
	return t.queue(func() {
		t.mu.Lock()
		device, ok := t.devices[id]
		t.mu.Unlock()
		if !ok {
			return
		}
		if err := device.Disconnect(); err != nil {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: disconnect %s: %w", id, err)})
			return
		}
		t.forget(id)
	})
}

func (t *BluetoothTransport) DiscoverServices(id string, services []string) error {
	return t.queue(func() {
		t.mu.Lock()
		device, ok := t.devices[id]
		t.mu.Unlock()
		if !ok {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: discover services: %s not connected", id)})
			return
		}
		// Ask for everything and filter locally: some backends fail the whole
		// call when one of the requested services is missing.
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		found := make(map[string]bluetooth.DeviceService)
		var uuids []string
		for _, svc := range svcs {
			u := svc.UUID().String()
			if len(services) > 0 && !ContainsUUID(services, u) {
				continue
			}
			found[u] = svc
			uuids = append(uuids, u)
		}
		t.mu.Lock()
		t.services[id] = found
		t.mu.Unlock()
		t.emit(Event{Kind: EventServicesDiscovered, ID: id, UUIDs: uuids})
	})
}

func (t *BluetoothTransport) DiscoverCharacteristics(id, service string, chars []string) error {
	return t.queue(func() {
		t.mu.Lock()
		svc, ok := lookupService(t.services[id], service)
		t.mu.Unlock()
		if !ok {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: service %s not discovered on %s", service, id)})
			return
		}
		cs, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		found := make(map[string]bluetooth.DeviceCharacteristic)
		var uuids []string
		for _, c := range cs {
			u := c.UUID().String()
			if len(chars) > 0 && !ContainsUUID(chars, u) {
				continue
			}
			found[u] = c
			uuids = append(uuids, u)
		}
		t.mu.Lock()
		t.chars[id] = found
		t.mu.Unlock()
		t.emit(Event{Kind: EventCharacteristicsDiscovered, ID: id, UUIDs: uuids})
	})
}

func (t *BluetoothTransport) EnableNotifications(id, char string) error {
	return t.queue(func() {
		c, ok := t.characteristic(id, char)
		if !ok {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: characteristic %s not discovered on %s", char, id)})
			return
		}
		err := c.EnableNotifications(func(buf []byte) {
			data := make([]byte, len(buf))
			copy(data, buf)
			t.emit(Event{Kind: EventNotification, ID: id, Char: char, Data: data})
		})
		if err != nil {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: enable notifications: %w", err)})
			return
		}
		t.emit(Event{Kind: EventNotificationsEnabled, ID: id, Char: char})
	})
}

func (t *BluetoothTransport) Write(id, char string, data []byte, withResponse bool) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return t.queue(func() {
		c, ok := t.characteristic(id, char)
		if !ok {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: characteristic %s not discovered on %s", char, id)})
			return
		}
		var err error
		if withResponse {
			_, err = writeWithResponse(c, buf)
		} else {
			_, err = c.WriteWithoutResponse(buf)
		}
		if err != nil {
			t.emit(Event{Kind: EventError, ID: id, Err: fmt.Errorf("ble: write %s: %w", char, err)})
			return
		}
		t.emit(Event{Kind: EventWriteComplete, ID: id, Char: char})
	})
}

// Close stops the worker. Pending operations are dropped.
func (t *BluetoothTransport) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return nil
}

func (t *BluetoothTransport) characteristic(id, char string) (bluetooth.DeviceCharacteristic, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for u, c := range t.chars[id] {
		if SameUUID(u, char) {
			return c, true
		}
	}
	return bluetooth.DeviceCharacteristic{}, false
}

func (t *BluetoothTransport) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, id)
	delete(t.services, id)
	delete(t.chars, id)
}

func lookupService(svcs map[string]bluetooth.DeviceService, uuid string) (bluetooth.DeviceService, bool) {
	for u, s := range svcs {
		if SameUUID(u, uuid) {
			return s, true
		}
	}
	return bluetooth.DeviceService{}, false
}

// Compile-time check that BluetoothTransport implements Transport.
var _ Transport = (*BluetoothTransport)(nil)
