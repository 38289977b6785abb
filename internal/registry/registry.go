package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/ble/protocol"
	"github.com/chaz8081/dtscan/internal/events"
)

// Registry holds one entry per transport identifier, in discovery order.
// Entries are never removed during a scan session.
//
// Mutations are expected from the scanner's single control flow; the lock
// only makes snapshots safe for observers on other goroutines.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Peripheral
	order []string
	bus   *events.Bus
	now   func() time.Time
}

// New creates an empty registry publishing changes on bus (which may be nil).
func New(bus *events.Bus) *Registry {
	return &Registry{
		byID: make(map[string]*Peripheral),
		bus:  bus,
		now:  time.Now,
	}
}

// Upsert records an advertisement. The entry is created on first sight;
// otherwise name, services and RSSI are updated in place. An RSSI equal to
// ble.UnknownRSSI leaves both RSSI fields untouched.
func (r *Registry) Upsert(id, name string, services []string, rssi int) Peripheral {
	if name == "" {
		name = UnknownName
	}

	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		p = &Peripheral{
			ID:          id,
			RSSI:        MinRSSI,
			HighestRSSI: MinRSSI,
			FirstSeen:   r.now(),
		}
		r.byID[id] = p
		r.order = append(r.order, id)
	}
	p.Name = name
	p.AdvertisedServices = slices.Clone(services)
	if rssi != ble.UnknownRSSI {
		p.RSSI = rssi
		if rssi > p.HighestRSSI {
			p.HighestRSSI = rssi
		}
	}
	p.LastSeen = r.now()
	snap := p.clone()
	r.mu.Unlock()

	if !ok {
		r.bus.Emit(events.Event{Type: events.PeripheralDiscovered, Peripheral: id, Data: snap})
	} else {
		r.bus.Emit(events.Event{Type: events.PeripheralUpdated, Peripheral: id, Data: snap})
	}
	return snap
}

// Lookup returns a snapshot of the peripheral with the given ID.
func (r *Registry) Lookup(id string) (Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Peripheral{}, false
	}
	return p.clone(), true
}

// All returns snapshots of every peripheral in discovery order.
func (r *Registry) All() []Peripheral {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peripheral, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// Len returns the number of known peripherals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ApplyAddressSuffix stores the last two hardware address bytes.
func (r *Registry) ApplyAddressSuffix(id string, hi, lo byte) bool {
	suffix := protocol.FormatAddressSuffix(hi, lo)
	return r.mutate(id, func(p *Peripheral) bool {
		if p.AddressSuffix == suffix {
			return false
		}
		p.AddressSuffix = suffix
		return true
	})
}

// ApplySubDeviceCount records whether any sub-devices are commissioned.
func (r *Registry) ApplySubDeviceCount(id string, count uint8) bool {
	has := count > 0
	return r.mutate(id, func(p *Peripheral) bool {
		if p.HasCommissionedSubDevices == has {
			return false
		}
		p.HasCommissionedSubDevices = has
		return true
	})
}

// ApplyCommissioningState sets the commissioning mode and its indicator.
func (r *Registry) ApplyCommissioningState(id string, enabled bool) bool {
	var indicatorChanged bool
	changed := r.mutate(id, func(p *Peripheral) bool {
		state := TristateOf(enabled)
		indicatorChanged = p.CommissioningIndicatorActive != enabled
		if p.Commissioning == state && !indicatorChanged {
			return false
		}
		p.Commissioning = state
		p.CommissioningIndicatorActive = enabled
		return true
	})
	if indicatorChanged {
		r.emitIndicator(id, IndicatorCommissioning, enabled)
	}
	return changed
}

// ApplyAttentionState starts or stops the attention indicator.
func (r *Registry) ApplyAttentionState(id string, active bool) bool {
	changed := r.mutate(id, func(p *Peripheral) bool {
		if p.AttentionActive == active {
			return false
		}
		p.AttentionActive = active
		return true
	})
	if changed {
		r.emitIndicator(id, IndicatorAttention, active)
	}
	return changed
}

// MarkSupported records the outcome of the initial protocol probe.
func (r *Registry) MarkSupported(id string, supported bool) bool {
	state := TristateOf(supported)
	return r.mutate(id, func(p *Peripheral) bool {
		if p.Supported == state {
			return false
		}
		p.Supported = state
		return true
	})
}

// mutate applies fn to the entry and publishes an update when fn reports a
// change. Unknown IDs are ignored.
func (r *Registry) mutate(id string, fn func(p *Peripheral) bool) bool {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	changed := fn(p)
	snap := p.clone()
	r.mu.Unlock()

	if changed {
		r.bus.Emit(events.Event{Type: events.PeripheralUpdated, Peripheral: id, Data: snap})
	}
	return changed
}

func (r *Registry) emitIndicator(id string, ind Indicator, active bool) {
	r.bus.Emit(events.Event{
		Type:       events.IndicatorChanged,
		Peripheral: id,
		Data:       IndicatorSignal{Indicator: ind, Active: active},
	})
}
