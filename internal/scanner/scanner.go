// Package scanner is the single control flow tying the transport, registry,
// filtered view and command session together. All state changes happen on
// the goroutine running Run; the public methods hand requests to it.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/ble/protocol"
	"github.com/chaz8081/dtscan/internal/events"
	"github.com/chaz8081/dtscan/internal/filter"
	"github.com/chaz8081/dtscan/internal/registry"
	"github.com/chaz8081/dtscan/internal/session"
	"github.com/chaz8081/dtscan/internal/store"
)

var (
	// ErrUnknownPeripheral is returned for IDs never seen in an advertisement.
	ErrUnknownPeripheral = errors.New("scanner: unknown peripheral")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("scanner: stopped")
)

// ProbeCommand is issued automatically to peripherals of unknown support.
const ProbeCommand = protocol.CommandReadAddressAndCount

// SettingsStore persists filter settings. It may be nil.
type SettingsStore interface {
	LoadFilters() (filter.Settings, error)
	SaveFilters(s filter.Settings) error
}

// Options configures a Scanner.
type Options struct {
	Session session.Options
	// Filters apply when the store holds no saved settings.
	Filters filter.Settings
	// AutoProbe connects to matching peripherals of unknown support to learn
	// whether they speak the protocol. Without it every matching peripheral
	// is admitted on sight.
	AutoProbe bool
}

// DefaultOptions returns the standard scanner options.
func DefaultOptions() Options {
	return Options{
		Session:   session.DefaultOptions(),
		Filters:   filter.Settings{ByService: true},
		AutoProbe: true,
	}
}

// SessionResult is published with events.SessionFinished.
type SessionResult struct {
	Peripheral string          `json:"peripheral"`
	Command    string          `json:"command"`
	Outcome    session.Outcome `json:"outcome"`
	Probe      bool            `json:"probe"`
	Error      string          `json:"error,omitempty"`
	Err        error           `json:"-"`
}

type requestKind uint8

const (
	requestCommand requestKind = iota
	requestFilters
)

type request struct {
	kind     requestKind
	id       string
	cmd      protocol.Command
	settings filter.Settings
	reply    chan error
}

// Scanner owns the scan session.
type Scanner struct {
	transport ble.Transport
	registry  *registry.Registry
	view      *filter.View
	bus       *events.Bus
	store     SettingsStore
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu      sync.RWMutex
	filters filter.Settings

	requests chan request
	timeouts chan uint64
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the Run goroutine.
	active   *session.Session
	probe    bool
	probed   map[string]bool
	timer    *time.Timer
	timerGen uint64
}

// New creates a scanner. Saved filter settings take precedence over
// opts.Filters. bus and st may be nil.
func New(t ble.Transport, reg *registry.Registry, bus *events.Bus, st SettingsStore, logger *slog.Logger, opts Options) *Scanner {
	s := &Scanner{
		transport: t,
		registry:  reg,
		view:      filter.NewView(),
		bus:       bus,
		store:     st,
		logger:    logger.With("component", "scanner"),
		opts:      opts,
		now:       time.Now,
		filters:   opts.Filters,
		requests:  make(chan request),
		timeouts:  make(chan uint64, 1),
		done:      make(chan struct{}),
		probed:    make(map[string]bool),
	}
	if st != nil {
		saved, err := st.LoadFilters()
		switch {
		case err == nil:
			s.filters = saved
		case errors.Is(err, store.ErrNotFound):
		default:
			s.logger.Warn("[SCAN] failed to load saved filters", "error", err)
		}
	}
	return s
}

// Run enables the radio, starts scanning and processes events until ctx is
// cancelled. On exit every filtered peripheral is disconnected and scanning
// stops.
func (s *Scanner) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.done) })

	if err := s.transport.Enable(); err != nil {
		return fmt.Errorf("scanner: enable radio: %w", err)
	}
	if err := s.transport.StartScan(); err != nil {
		return fmt.Errorf("scanner: start scan: %w", err)
	}
	s.logger.Info("[SCAN] scanning", "by_service", s.Filters().ByService, "by_rssi", s.Filters().ByRSSI)
	defer s.shutdown()

	evs := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				s.logger.Warn("[SCAN] transport event stream closed")
				return nil
			}
			s.handle(ev)
		case req := <-s.requests:
			req.reply <- s.serve(req)
		case gen := <-s.timeouts:
			if gen == s.timerGen && s.active != nil {
				s.step(ble.Event{Kind: ble.EventTimeout, ID: s.active.Target})
			}
		}
	}
}

// IssueCommand starts a command session with the peripheral. It returns
// session.ErrBusy while another session is active; the outcome is published
// later as events.SessionFinished.
func (s *Scanner) IssueCommand(ctx context.Context, id string, cmd protocol.Command) error {
	return s.submit(ctx, request{kind: requestCommand, id: id, cmd: cmd})
}

// SetFilters replaces and persists the filter settings and rebuilds the
// filtered view from every known peripheral.
func (s *Scanner) SetFilters(ctx context.Context, settings filter.Settings) error {
	return s.submit(ctx, request{kind: requestFilters, settings: settings})
}

// Filters returns the current filter settings.
func (s *Scanner) Filters() filter.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters
}

// FilteredView returns snapshots of the admitted peripherals in admission order.
func (s *Scanner) FilteredView() []registry.Peripheral {
	ids := s.view.IDs()
	out := make([]registry.Peripheral, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.registry.Lookup(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Done is closed when Run has returned.
func (s *Scanner) Done() <-chan struct{} {
	return s.done
}

func (s *Scanner) submit(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scanner) serve(req request) error {
	switch req.kind {
	case requestCommand:
		return s.issue(req.id, req.cmd, false)
	case requestFilters:
		return s.setFilters(req.settings)
	default:
		return fmt.Errorf("scanner: unknown request %d", req.kind)
	}
}

func (s *Scanner) handle(ev ble.Event) {
	switch ev.Kind {
	case ble.EventAdvertisement:
		p := s.registry.Upsert(ev.ID, ev.Name, ev.Services, ev.RSSI)
		s.consider(p)
		return
	case ble.EventError:
		if s.active == nil || ev.ID != s.active.Target {
			s.logger.Warn("[SCAN] transport error", "id", ev.ID, "error", ev.Err)
			return
		}
	}
	s.step(ev)
}

// consider admits p into the filtered view, or probes it when its support
// is not known yet.
func (s *Scanner) consider(p registry.Peripheral) {
	if s.view.Contains(p.ID) || !filter.Matches(p, s.Filters()) {
		return
	}
	switch {
	case !s.opts.AutoProbe || p.Supported == registry.On:
		s.admit(p.ID)
	case p.Supported == registry.Unknown && s.active == nil && !s.probed[p.ID]:
		s.probed[p.ID] = true
		if err := s.issue(p.ID, ProbeCommand, true); err != nil {
			s.logger.Debug("[SCAN] probe not started", "id", p.ID, "error", err)
		}
	}
}

func (s *Scanner) admit(id string) {
	if s.view.Admit(id) {
		s.logger.Info("[SCAN] peripheral admitted", "id", id)
		s.bus.Emit(events.Event{Type: events.PeripheralAdmitted, Peripheral: id})
	}
}

func (s *Scanner) issue(id string, cmd protocol.Command, probe bool) error {
	if _, ok := s.registry.Lookup(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}
	next, effects, err := session.Start(s.active, id, cmd, s.opts.Session, s.now())
	if err != nil {
		return err
	}
	s.active = next
	s.probe = probe
	s.logger.Info("[SCAN] session started", "id", id, "command", cmd, "probe", probe)
	s.bus.Emit(events.Event{
		Type:       events.SessionStarted,
		Peripheral: id,
		Data:       SessionResult{Peripheral: id, Command: cmd.String(), Probe: probe},
	})
	s.perform(effects)
	return nil
}

func (s *Scanner) setFilters(settings filter.Settings) error {
	s.mu.Lock()
	s.filters = settings
	s.mu.Unlock()

	var persistErr error
	if s.store != nil {
		if err := s.store.SaveFilters(settings); err != nil {
			persistErr = fmt.Errorf("scanner: save filters: %w", err)
		}
	}

	var ids []string
	for _, p := range s.registry.All() {
		if !filter.Matches(p, settings) {
			continue
		}
		switch p.Supported {
		case registry.On:
			ids = append(ids, p.ID)
		case registry.Unknown:
			if !s.opts.AutoProbe {
				ids = append(ids, p.ID)
			}
			// Probed again on its next advertisement.
			delete(s.probed, p.ID)
		}
	}
	s.view.Reset(ids)

	s.logger.Info("[SCAN] filters changed", "by_service", settings.ByService, "by_rssi", settings.ByRSSI, "admitted", len(ids))
	s.bus.Emit(events.Event{Type: events.FiltersChanged, Data: settings})
	s.bus.Emit(events.Event{Type: events.ViewReset, Data: ids})
	return persistErr
}

func (s *Scanner) step(ev ble.Event) {
	if s.active == nil {
		s.logger.Debug("[SCAN] event outside session", "kind", ev.Kind, "id", ev.ID)
		return
	}
	next, effects := session.Step(s.active, ev)
	s.active = next
	s.perform(effects)
}

// perform executes effects in order. A failing transport call is fed back
// to the session as an error event, which ends it.
func (s *Scanner) perform(effects []session.Effect) {
	for _, e := range effects {
		err := s.performOne(e)
		if err == nil {
			continue
		}
		s.logger.Warn("[SCAN] transport call failed", "effect", e.Kind, "id", e.Target, "error", err)
		if s.active != nil && s.active.Target == e.Target {
			s.step(ble.Event{Kind: ble.EventError, ID: e.Target, Err: err})
			return
		}
	}
}

func (s *Scanner) performOne(e session.Effect) error {
	switch e.Kind {
	case session.EffectConnect:
		if e.Err != nil {
			s.logger.Info("[SCAN] connect failed, retrying", "id", e.Target, "error", e.Err)
		}
		return s.transport.Connect(e.Target)
	case session.EffectDisconnect:
		return s.transport.Disconnect(e.Target)
	case session.EffectDiscoverServices:
		return s.transport.DiscoverServices(e.Target, e.UUIDs)
	case session.EffectDiscoverCharacteristics:
		return s.transport.DiscoverCharacteristics(e.Target, e.Service, e.UUIDs)
	case session.EffectEnableNotifications:
		return s.transport.EnableNotifications(e.Target, e.Char)
	case session.EffectWrite:
		return s.transport.Write(e.Target, e.Char, e.Data, e.WithResponse)
	case session.EffectArmTimeout:
		s.armTimer(e.Timeout)
	case session.EffectApply:
		s.applyResponse(e.Target, e.Response)
	case session.EffectSupported:
		s.registry.MarkSupported(e.Target, e.Supported)
		if !e.Supported {
			s.logger.Info("[SCAN] peripheral does not support the protocol", "id", e.Target)
			return nil
		}
		if p, ok := s.registry.Lookup(e.Target); ok && filter.Matches(p, s.Filters()) {
			s.admit(e.Target)
		}
	case session.EffectDiscarded:
		s.logger.Debug("[SCAN] discarding malformed frame", "id", e.Target, "data", fmt.Sprintf("% x", e.Data), "error", e.Err)
	case session.EffectStopAttention:
		s.registry.ApplyAttentionState(e.Target, false)
	case session.EffectFinished:
		s.finished(e)
	}
	return nil
}

// applyResponse routes a decoded frame to the registry mutators.
func (s *Scanner) applyResponse(id string, resp protocol.Response) {
	switch resp.Kind {
	case protocol.ResponseAddress:
		s.registry.ApplyAddressSuffix(id, resp.AddrHi, resp.AddrLo)
	case protocol.ResponseAddressAndCount:
		s.registry.ApplyAddressSuffix(id, resp.AddrHi, resp.AddrLo)
		s.registry.ApplySubDeviceCount(id, resp.Count)
	case protocol.ResponseSubDeviceCount:
		s.registry.ApplySubDeviceCount(id, resp.Count)
	case protocol.ResponseCommissioningEnabled:
		s.registry.ApplyCommissioningState(id, true)
	case protocol.ResponseCommissioningDisabled:
		s.registry.ApplyCommissioningState(id, false)
		if resp.HasCount {
			s.registry.ApplySubDeviceCount(id, resp.Count)
		}
	case protocol.ResponseAttentionStarted:
		s.registry.ApplyAttentionState(id, true)
	case protocol.ResponseAttentionExpired:
		s.registry.ApplyAttentionState(id, false)
	default:
		s.logger.Debug("[SCAN] ignoring frame", "id", id, "class", resp.Class, "sub_opcode", resp.SubOpcode)
	}
}

func (s *Scanner) finished(e session.Effect) {
	s.stopTimer()
	result := SessionResult{
		Peripheral: e.Target,
		Command:    e.Command.String(),
		Outcome:    e.Outcome,
		Probe:      s.probe,
		Err:        e.Err,
	}
	if e.Err != nil {
		result.Error = e.Err.Error()
		s.logger.Warn("[SCAN] session failed", "id", e.Target, "command", e.Command, "error", e.Err)
	} else {
		s.logger.Info("[SCAN] session finished", "id", e.Target, "command", e.Command, "outcome", e.Outcome)
	}
	s.probe = false
	s.bus.Emit(events.Event{Type: events.SessionFinished, Peripheral: e.Target, Data: result})
}

// armTimer replaces the session deadline. Stale timers are recognised by
// their generation.
func (s *Scanner) armTimer(d time.Duration) {
	s.stopTimer()
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() {
		select {
		case s.timeouts <- gen:
		case <-s.done:
		}
	})
}

func (s *Scanner) stopTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scanner) shutdown() {
	s.stopTimer()

	disconnected := make(map[string]bool)
	if s.active != nil {
		id, cmd := s.active.Target, s.active.Command
		if s.active.AttentionActive {
			s.registry.ApplyAttentionState(id, false)
		}
		s.active = nil
		s.finished(session.Effect{Kind: session.EffectFinished, Target: id, Command: cmd, Outcome: session.OutcomeFailed, Err: ErrStopped})
		if err := s.transport.Disconnect(id); err != nil {
			s.logger.Debug("[SCAN] disconnect on shutdown failed", "id", id, "error", err)
		}
		disconnected[id] = true
	}
	for _, id := range s.view.IDs() {
		if disconnected[id] {
			continue
		}
		if err := s.transport.Disconnect(id); err != nil {
			s.logger.Debug("[SCAN] disconnect on shutdown failed", "id", id, "error", err)
		}
	}
	if err := s.transport.StopScan(); err != nil {
		s.logger.Warn("[SCAN] stop scan failed", "error", err)
	}
	s.logger.Info("[SCAN] stopped", "known", s.registry.Len(), "admitted", s.view.Len())
}
