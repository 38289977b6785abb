// Package registry owns every peripheral seen during a scan session and is
// the only place their state is mutated.
package registry

import (
	"fmt"
	"slices"
	"time"
)

// UnknownName is used when an advertisement carries no local name.
const UnknownName = "N/A"

// MinRSSI is the initial RSSI before any usable measurement arrived.
const MinRSSI = -127

// Tristate is a boolean that may not have been learned yet.
type Tristate uint8

const (
	Unknown Tristate = iota
	Off
	On
)

func (s Tristate) String() string {
	switch s {
	case Off:
		return "off"
	case On:
		return "on"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as "unknown", "off" or "on".
func (s Tristate) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the output of MarshalText.
func (s *Tristate) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unknown", "":
		*s = Unknown
	case "off":
		*s = Off
	case "on":
		*s = On
	default:
		return fmt.Errorf("registry: invalid tristate %q", b)
	}
	return nil
}

// TristateOf converts a learned boolean.
func TristateOf(b bool) Tristate {
	if b {
		return On
	}
	return Off
}

// Peripheral is a snapshot of one discovered device.
type Peripheral struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	AdvertisedServices []string `json:"advertised_services,omitempty"`
	RSSI               int      `json:"rssi"`
	HighestRSSI        int      `json:"highest_rssi"`

	// AddressSuffix is empty until a read response supplied it.
	AddressSuffix string `json:"address_suffix,omitempty"`

	Commissioning                Tristate `json:"commissioning"`
	HasCommissionedSubDevices    bool     `json:"has_commissioned_sub_devices"`
	AttentionActive              bool     `json:"attention_active"`
	CommissioningIndicatorActive bool     `json:"commissioning_indicator_active"`

	// Supported is learned from the initial probe's service discovery.
	Supported Tristate `json:"supported"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// HasAddress reports whether the hardware address suffix has been learned.
func (p Peripheral) HasAddress() bool {
	return p.AddressSuffix != ""
}

func (p Peripheral) clone() Peripheral {
	p.AdvertisedServices = slices.Clone(p.AdvertisedServices)
	return p
}

// Indicator names a blinking indicator driven by protocol responses.
type Indicator string

const (
	IndicatorAttention     Indicator = "attention"
	IndicatorCommissioning Indicator = "commissioning"
)

// IndicatorSignal is the payload of an events.IndicatorChanged event.
type IndicatorSignal struct {
	Indicator Indicator `json:"indicator"`
	Active    bool      `json:"active"`
}
