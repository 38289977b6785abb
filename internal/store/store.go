// Package store persists user settings between runs.
package store

import (
	"errors"

	"github.com/chaz8081/dtscan/internal/filter"
)

// ErrNotFound is returned when nothing has been saved yet.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface used by the scanner.
type Store interface {
	// LoadFilters returns the saved filter settings, or ErrNotFound.
	LoadFilters() (filter.Settings, error)
	SaveFilters(s filter.Settings) error
	Close() error
}
