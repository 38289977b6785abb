// Package filter decides which peripherals are shown to the user.
package filter

import (
	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/registry"
)

// MinRSSI is the weakest highest-RSSI accepted when filtering by signal.
const MinRSSI = -50

// AllowedServices are the services that satisfy the service filter.
var AllowedServices = []string{
	ble.ManagementServiceUUID,
	ble.SMPServiceUUID,
	ble.MeshProvisioningUUID,
	ble.MeshProxyUUID,
}

// Settings are the user's filter choices.
type Settings struct {
	ByService bool `json:"by_service"`
	ByRSSI    bool `json:"by_rssi"`
}

// Matches reports whether p passes the enabled filters.
func Matches(p registry.Peripheral, s Settings) bool {
	if s.ByService && !advertisesAllowed(p.AdvertisedServices) {
		return false
	}
	if s.ByRSSI && p.HighestRSSI < MinRSSI {
		return false
	}
	return true
}

func advertisesAllowed(services []string) bool {
	for _, s := range services {
		if ble.ContainsUUID(AllowedServices, s) {
			return true
		}
	}
	return false
}
