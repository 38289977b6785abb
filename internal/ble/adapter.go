// Package ble provides the radio transport used to scan for, connect to and
// exchange frames with peripherals exposing the data transfer management
// service. The core never talks to a vendor SDK directly; it consumes the
// Transport interface and its event stream.
package ble

import (
	"errors"
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// ErrWriteWithResponseUnsupported is returned for acknowledged writes on
// backends that cannot issue them.
var ErrWriteWithResponseUnsupported = errors.New("ble: write with response not supported on this platform")

// Data transfer service UUIDs.
const (
	ManagementServiceUUID = "09def0c1-7b06-4f33-8a82-7cb03e25e7f7"
	// DataTXCharUUID is the device's TX characteristic; responses are notified on it.
	DataTXCharUUID = "09def0c2-7b06-4f33-8a82-7cb03e25e7f7"
	// DataRXCharUUID is the device's RX characteristic; command frames are written to it.
	DataRXCharUUID = "09def0c3-7b06-4f33-8a82-7cb03e25e7f7"
)

// Other services recognised when filtering advertisements.
const (
	SMPServiceUUID       = "8d53dc1d-1db7-4cd3-868b-8a527460aa84" // mcumgr
	MeshProvisioningUUID = "00001827-0000-1000-8000-00805f9b34fb"
	MeshProxyUUID        = "00001828-0000-1000-8000-00805f9b34fb"
)

// KnownServiceUUIDs are the services an advertisement is checked for.
var KnownServiceUUIDs = []string{
	ManagementServiceUUID,
	SMPServiceUUID,
	MeshProvisioningUUID,
	MeshProxyUUID,
}

// UnknownRSSI is the value reported when the radio could not measure RSSI.
const UnknownRSSI = 127

// EventKind identifies a transport event.
type EventKind uint8

const (
	EventAdvertisement EventKind = iota + 1
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventNotificationsEnabled
	EventWriteComplete
	EventNotification
	EventError
	// EventTimeout is never produced by a transport; the scanner injects it
	// when a session deadline passes.
	EventTimeout
)

var eventNames = map[EventKind]string{
	EventAdvertisement:             "advertisement",
	EventConnected:                 "connected",
	EventConnectFailed:             "connect_failed",
	EventDisconnected:              "disconnected",
	EventServicesDiscovered:        "services_discovered",
	EventCharacteristicsDiscovered: "characteristics_discovered",
	EventNotificationsEnabled:      "notifications_enabled",
	EventWriteComplete:             "write_complete",
	EventNotification:              "notification",
	EventError:                     "error",
	EventTimeout:                   "timeout",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is a single asynchronous radio event, keyed by peripheral ID.
type Event struct {
	Kind EventKind
	ID   string

	// Advertisement fields. Name is empty when the advertisement carried no
	// local name; Services is nil when it carried no service list.
	Name     string
	Services []string
	RSSI     int

	// Discovered service or characteristic UUIDs.
	UUIDs []string

	// Char is the characteristic a write or notification relates to.
	Char string
	Data []byte

	Err error
}

// Transport abstracts the BLE radio. Every operation only queues work and
// returns; its outcome is delivered on Events.
type Transport interface {
	// Enable powers on the radio.
	Enable() error
	StartScan() error
	StopScan() error
	Connect(id string) error
	Disconnect(id string) error
	// DiscoverServices reports the subset of services found on the peripheral.
	DiscoverServices(id string, services []string) error
	DiscoverCharacteristics(id, service string, chars []string) error
	EnableNotifications(id, char string) error
	Write(id, char string, data []byte, withResponse bool) error
	// Events is the single stream of radio events. It is never closed while
	// the transport is in use.
	Events() <-chan Event
}

// SameUUID reports whether two UUID strings name the same UUID. 16- and
// 32-bit short forms match their expansion on the Bluetooth base UUID.
// Strings that do not parse are compared case-insensitively.
func SameUUID(a, b string) bool {
	ua, errA := bluetooth.ParseUUID(a)
	ub, errB := bluetooth.ParseUUID(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return ua == ub
}

// ContainsUUID reports whether list contains uuid.
func ContainsUUID(list []string, uuid string) bool {
	for _, u := range list {
		if SameUUID(u, uuid) {
			return true
		}
	}
	return false
}
