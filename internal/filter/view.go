package filter

import (
	"slices"
	"sync"
)

// View is the admission-ordered list of peripheral IDs shown to the user.
// Admission is one-way: an admitted peripheral stays until Reset, even if
// later advertisements no longer match, so the list does not flicker.
type View struct {
	mu  sync.RWMutex
	ids []string
	set map[string]struct{}
}

// NewView creates an empty view.
func NewView() *View {
	return &View{set: make(map[string]struct{})}
}

// Admit appends id if it is not already present. It reports whether id was added.
func (v *View) Admit(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.set[id]; ok {
		return false
	}
	v.set[id] = struct{}{}
	v.ids = append(v.ids, id)
	return true
}

// Contains reports whether id has been admitted.
func (v *View) Contains(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.set[id]
	return ok
}

// IDs returns the admitted IDs in admission order.
func (v *View) IDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.ids)
}

// Len returns the number of admitted peripherals.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.ids)
}

// Reset replaces the whole view with ids, keeping their order.
func (v *View) Reset(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ids = v.ids[:0]
	v.set = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := v.set[id]; ok {
			continue
		}
		v.set[id] = struct{}{}
		v.ids = append(v.ids, id)
	}
}
