package scanner

import (
	"fmt"
	"sync"

	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/filter"
	"github.com/chaz8081/dtscan/internal/store"
)

// mockTransport answers every operation with the events a well-behaved
// peripheral would produce.
type mockTransport struct {
	mu     sync.Mutex
	events chan ble.Event

	// services lists the GATT services present per peripheral.
	services map[string][]string
	// chars is the characteristic set of the management service.
	chars []string
	// replies maps a written frame ("% x") to the notifications it triggers.
	replies map[string][][]byte
	// connectFailures is the number of connects to fail before succeeding.
	connectFailures map[string]int
	// silent suppresses the Connected event.
	silent bool

	scanning    bool
	connects    []string
	disconnects []string
	writes      []mockWrite
}

type mockWrite struct {
	id   string
	char string
	data []byte
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events:          make(chan ble.Event, 256),
		services:        make(map[string][]string),
		chars:           []string{ble.DataTXCharUUID, ble.DataRXCharUUID},
		replies:         make(map[string][][]byte),
		connectFailures: make(map[string]int),
	}
}

func (m *mockTransport) Events() <-chan ble.Event { return m.events }

func (m *mockTransport) Enable() error { return nil }

func (m *mockTransport) StartScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = true
	return nil
}

func (m *mockTransport) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	return nil
}

func (m *mockTransport) Connect(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, id)
	if m.connectFailures[id] > 0 {
		m.connectFailures[id]--
		m.events <- ble.Event{Kind: ble.EventConnectFailed, ID: id, Err: fmt.Errorf("mock: connect %s refused", id)}
		return nil
	}
	if !m.silent {
		m.events <- ble.Event{Kind: ble.EventConnected, ID: id}
	}
	return nil
}

func (m *mockTransport) Disconnect(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, id)
	m.events <- ble.Event{Kind: ble.EventDisconnected, ID: id}
	return nil
}

func (m *mockTransport) DiscoverServices(id string, services []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []string
	for _, s := range m.services[id] {
		if ble.ContainsUUID(services, s) {
			found = append(found, s)
		}
	}
	m.events <- ble.Event{Kind: ble.EventServicesDiscovered, ID: id, UUIDs: found}
	return nil
}

func (m *mockTransport) DiscoverCharacteristics(id, service string, chars []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events <- ble.Event{Kind: ble.EventCharacteristicsDiscovered, ID: id, UUIDs: m.chars}
	return nil
}

func (m *mockTransport) EnableNotifications(id, char string) error {
	m.events <- ble.Event{Kind: ble.EventNotificationsEnabled, ID: id, Char: char}
	return nil
}

func (m *mockTransport) Write(id, char string, data []byte, withResponse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, mockWrite{id: id, char: char, data: cp})
	m.events <- ble.Event{Kind: ble.EventWriteComplete, ID: id, Char: char}
	for _, reply := range m.replies[fmt.Sprintf("% x", data)] {
		m.events <- ble.Event{Kind: ble.EventNotification, ID: id, Char: ble.DataTXCharUUID, Data: reply}
	}
	return nil
}

// notify simulates an unsolicited notification.
func (m *mockTransport) notify(id string, data []byte) {
	m.events <- ble.Event{Kind: ble.EventNotification, ID: id, Char: ble.DataTXCharUUID, Data: data}
}

func (m *mockTransport) advertise(id, name string, services []string, rssi int) {
	m.events <- ble.Event{Kind: ble.EventAdvertisement, ID: id, Name: name, Services: services, RSSI: rssi}
}

func (m *mockTransport) connectCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.connects {
		if c == id {
			n++
		}
	}
	return n
}

func (m *mockTransport) disconnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disconnects {
		if d == id {
			return true
		}
	}
	return false
}

func (m *mockTransport) writtenFrames() []mockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *mockTransport) isScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// memStore is an in-memory SettingsStore.
type memStore struct {
	mu       sync.Mutex
	settings *filter.Settings
	saves    int
}

func (s *memStore) LoadFilters() (filter.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return filter.Settings{}, fmt.Errorf("filters: %w", store.ErrNotFound)
	}
	return *s.settings, nil
}

func (s *memStore) SaveFilters(settings filter.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	s.saves++
	return nil
}
