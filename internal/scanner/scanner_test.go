package scanner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/ble/protocol"
	"github.com/chaz8081/dtscan/internal/events"
	"github.com/chaz8081/dtscan/internal/filter"
	"github.com/chaz8081/dtscan/internal/registry"
	"github.com/chaz8081/dtscan/internal/session"
)

const waitTimeout = 2 * time.Second

type testEnv struct {
	t         *testing.T
	transport *mockTransport
	registry  *registry.Registry
	scanner   *Scanner
	events    chan events.Event
	cancel    context.CancelFunc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEnv builds a scanner over a mock transport. setup may configure the
// transport before Run starts.
func newEnv(t *testing.T, opts Options, st SettingsStore, setup func(m *mockTransport)) *testEnv {
	t.Helper()
	m := newMockTransport()
	if setup != nil {
		setup(m)
	}
	bus := events.NewBus(discardLogger())
	reg := registry.New(bus)
	sc := New(m, reg, bus, st, discardLogger(), opts)

	ch := make(chan events.Event, 1024)
	bus.OnAll(func(e events.Event) { ch <- e })

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{t: t, transport: m, registry: reg, scanner: sc, events: ch, cancel: cancel}
	go sc.Run(ctx)
	t.Cleanup(env.stop)
	return env
}

func (e *testEnv) stop() {
	e.cancel()
	select {
	case <-e.scanner.Done():
	case <-time.After(waitTimeout):
		e.t.Error("scanner did not stop")
	}
}

// waitFor returns the next bus event of type typ for peripheral id ("" for any).
func (e *testEnv) waitFor(typ, id string) events.Event {
	e.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == typ && (id == "" || ev.Peripheral == id) {
				return ev
			}
		case <-deadline:
			e.t.Fatalf("timed out waiting for %s %s", typ, id)
			return events.Event{}
		}
	}
}

func (e *testEnv) waitResult(id string) SessionResult {
	e.t.Helper()
	ev := e.waitFor(events.SessionFinished, id)
	res, ok := ev.Data.(SessionResult)
	if !ok {
		e.t.Fatalf("SessionFinished data = %T, want SessionResult", ev.Data)
	}
	return res
}

// sync returns once every event queued before it has been handled.
func (e *testEnv) sync() {
	e.t.Helper()
	if err := e.scanner.IssueCommand(context.Background(), "sync-barrier", protocol.CommandReadAddress); !errors.Is(err, ErrUnknownPeripheral) {
		e.t.Fatalf("barrier IssueCommand() error = %v, want ErrUnknownPeripheral", err)
	}
}

func plainOptions() Options {
	return Options{Session: session.Options{}, Filters: filter.Settings{ByService: true}}
}

func lookup(t *testing.T, reg *registry.Registry, id string) registry.Peripheral {
	t.Helper()
	p, ok := reg.Lookup(id)
	if !ok {
		t.Fatalf("peripheral %s not in registry", id)
	}
	return p
}

func TestEnableCommissioningRoundTrip(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, func(m *mockTransport) {
		m.services["dev"] = []string{ble.ManagementServiceUUID}
		m.replies["02 01 01"] = [][]byte{{0x05, 0x01, 0x01}}
	})

	env.transport.advertise("dev", "Gateway", []string{ble.ManagementServiceUUID}, -40)
	env.waitFor(events.PeripheralAdmitted, "dev")

	if err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandEnableCommissioning); err != nil {
		t.Fatalf("IssueCommand() error: %v", err)
	}
	res := env.waitResult("dev")
	if res.Outcome != session.OutcomeCompleted || res.Err != nil || res.Probe {
		t.Errorf("result = %+v", res)
	}

	writes := env.transport.writtenFrames()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if !bytes.Equal(writes[0].data, []byte{0x02, 0x01, 0x01}) || writes[0].char != ble.DataRXCharUUID {
		t.Errorf("write = %+v", writes[0])
	}

	p := lookup(t, env.registry, "dev")
	if p.Commissioning != registry.On || !p.CommissioningIndicatorActive {
		t.Errorf("commissioning = %v indicator = %v, want on/true", p.Commissioning, p.CommissioningIndicatorActive)
	}
	if !env.transport.disconnected("dev") {
		t.Error("peripheral not disconnected after session")
	}
}

func TestIssueCommandBusy(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, func(m *mockTransport) { m.silent = true })

	env.transport.advertise("a", "", []string{ble.ManagementServiceUUID}, -40)
	env.transport.advertise("b", "", []string{ble.ManagementServiceUUID}, -40)
	env.waitFor(events.PeripheralDiscovered, "b")
	env.sync()

	if err := env.scanner.IssueCommand(context.Background(), "a", protocol.CommandReadAddress); err != nil {
		t.Fatalf("IssueCommand(a) error: %v", err)
	}
	err := env.scanner.IssueCommand(context.Background(), "b", protocol.CommandDecommission)
	if !errors.Is(err, session.ErrBusy) {
		t.Fatalf("IssueCommand(b) error = %v, want ErrBusy", err)
	}
	if env.transport.connectCount("b") != 0 {
		t.Error("busy command connected to b")
	}
	if env.transport.connectCount("a") != 1 {
		t.Errorf("connects to a = %d, want 1", env.transport.connectCount("a"))
	}
}

func TestIssueCommandRejections(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, nil)

	if err := env.scanner.IssueCommand(context.Background(), "ghost", protocol.CommandReadAddress); !errors.Is(err, ErrUnknownPeripheral) {
		t.Errorf("unknown id error = %v, want ErrUnknownPeripheral", err)
	}

	env.transport.advertise("dev", "", nil, -40)
	env.waitFor(events.PeripheralDiscovered, "dev")
	if err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandNone); !errors.Is(err, protocol.ErrNoCommand) {
		t.Errorf("none error = %v, want ErrNoCommand", err)
	}
}

func TestIssueCommandAfterStop(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, nil)
	env.stop()

	err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandReadAddress)
	if !errors.Is(err, ErrStopped) {
		t.Errorf("error = %v, want ErrStopped", err)
	}
}

func TestAutoProbeAdmitsSupported(t *testing.T) {
	opts := plainOptions()
	opts.AutoProbe = true
	env := newEnv(t, opts, nil, func(m *mockTransport) {
		m.services["dev"] = []string{ble.ManagementServiceUUID, ble.SMPServiceUUID}
		m.replies["01 01 03"] = [][]byte{{0x04, 0x04, 0x03, 0xAB, 0xCD, 0x02}}
	})

	env.transport.advertise("dev", "Gateway", []string{ble.ManagementServiceUUID}, -60)
	env.waitFor(events.PeripheralAdmitted, "dev")
	res := env.waitResult("dev")
	if !res.Probe || res.Command != ProbeCommand.String() || res.Outcome != session.OutcomeCompleted {
		t.Errorf("probe result = %+v", res)
	}

	p := lookup(t, env.registry, "dev")
	if p.Supported != registry.On {
		t.Errorf("Supported = %v, want on", p.Supported)
	}
	if p.AddressSuffix != "abcd" || !p.HasCommissionedSubDevices {
		t.Errorf("suffix = %q sub-devices = %v", p.AddressSuffix, p.HasCommissionedSubDevices)
	}
	view := env.scanner.FilteredView()
	if len(view) != 1 || view[0].ID != "dev" {
		t.Errorf("FilteredView() = %v", view)
	}
}

func TestAutoProbeUnsupportedNotRetried(t *testing.T) {
	opts := plainOptions()
	opts.AutoProbe = true
	env := newEnv(t, opts, nil, nil)

	env.transport.advertise("dev", "", []string{ble.MeshProxyUUID}, -60)
	res := env.waitResult("dev")
	if res.Outcome != session.OutcomeUnsupported || res.Err != nil {
		t.Errorf("result = %+v, want unsupported", res)
	}

	env.transport.advertise("dev", "", []string{ble.MeshProxyUUID}, -55)
	env.waitFor(events.PeripheralUpdated, "dev")
	env.sync()

	if n := env.transport.connectCount("dev"); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
	if len(env.scanner.FilteredView()) != 0 {
		t.Error("unsupported peripheral admitted")
	}
	if p := lookup(t, env.registry, "dev"); p.Supported != registry.Off {
		t.Errorf("Supported = %v, want off", p.Supported)
	}
}

func TestAdmissionIsSticky(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, nil)

	env.transport.advertise("dev", "", []string{ble.ManagementServiceUUID}, -40)
	env.waitFor(events.PeripheralAdmitted, "dev")

	// The next advertisement no longer passes the service filter.
	env.transport.advertise("dev", "", nil, -90)
	env.waitFor(events.PeripheralUpdated, "dev")
	env.sync()

	view := env.scanner.FilteredView()
	if len(view) != 1 || view[0].ID != "dev" {
		t.Errorf("FilteredView() = %v, want [dev]", view)
	}
}

func TestFilteredViewOrder(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, nil)

	env.transport.advertise("b", "", []string{ble.ManagementServiceUUID}, -40)
	env.transport.advertise("x", "", nil, -40)
	env.transport.advertise("a", "", []string{ble.SMPServiceUUID}, -40)
	env.waitFor(events.PeripheralAdmitted, "a")

	view := env.scanner.FilteredView()
	if len(view) != 2 || view[0].ID != "b" || view[1].ID != "a" {
		t.Errorf("FilteredView() = %v, want [b a]", view)
	}
}

func TestAttentionExpiredStopsIndicator(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, func(m *mockTransport) {
		m.services["dev"] = []string{ble.ManagementServiceUUID}
		m.replies["02 01 03"] = [][]byte{{0x05, 0x01, 0x03}}
	})
	env.transport.advertise("dev", "", []string{ble.ManagementServiceUUID}, -40)
	env.waitFor(events.PeripheralAdmitted, "dev")

	if err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandTriggerAttention); err != nil {
		t.Fatalf("IssueCommand() error: %v", err)
	}
	ev := env.waitFor(events.IndicatorChanged, "dev")
	if sig := ev.Data.(registry.IndicatorSignal); sig.Indicator != registry.IndicatorAttention || !sig.Active {
		t.Fatalf("indicator = %+v, want attention on", sig)
	}
	if env.transport.disconnected("dev") {
		t.Fatal("disconnected before attention expired")
	}

	// Frames other than the expiry leave the indicator running.
	env.transport.notify("dev", []byte{0x06, 0x01, 0x01})
	env.transport.notify("dev", []byte{0x05, 0x01, 0x07})
	env.transport.notify("dev", []byte{0x05, 0x01, 0x04})
	ev = env.waitFor(events.IndicatorChanged, "dev")
	if sig := ev.Data.(registry.IndicatorSignal); sig.Indicator != registry.IndicatorAttention || sig.Active {
		t.Fatalf("indicator = %+v, want attention off", sig)
	}
	res := env.waitResult("dev")
	if res.Outcome != session.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
	if p := lookup(t, env.registry, "dev"); p.AttentionActive {
		t.Error("AttentionActive still set")
	}
}

func TestConnectTimeout(t *testing.T) {
	opts := plainOptions()
	opts.Session.ConnectTimeout = 20 * time.Millisecond
	env := newEnv(t, opts, nil, func(m *mockTransport) { m.silent = true })

	env.transport.advertise("dev", "", []string{ble.ManagementServiceUUID}, -40)
	env.waitFor(events.PeripheralAdmitted, "dev")

	if err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandReadAddress); err != nil {
		t.Fatalf("IssueCommand() error: %v", err)
	}
	res := env.waitResult("dev")
	if !errors.Is(res.Err, session.ErrConnectTimeout) {
		t.Errorf("Err = %v, want ErrConnectTimeout", res.Err)
	}
	if !env.transport.disconnected("dev") {
		t.Error("timed out connection not cancelled")
	}

	// The scanner accepts new commands after the timeout.
	env.sync()
	if err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandReadAddress); err != nil {
		t.Errorf("IssueCommand() after timeout error: %v", err)
	}
}

func TestConnectRetried(t *testing.T) {
	opts := plainOptions()
	opts.Session.MaxRetries = 3
	env := newEnv(t, opts, nil, func(m *mockTransport) {
		m.services["dev"] = []string{ble.ManagementServiceUUID}
		m.connectFailures["dev"] = 2
		m.replies["01 01 01"] = [][]byte{{0x04, 0x07, 0x01, 0x12, 0x34}}
	})
	env.transport.advertise("dev", "", []string{ble.ManagementServiceUUID}, -40)
	env.waitFor(events.PeripheralAdmitted, "dev")

	if err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandReadAddress); err != nil {
		t.Fatalf("IssueCommand() error: %v", err)
	}
	res := env.waitResult("dev")
	if res.Outcome != session.OutcomeCompleted {
		t.Fatalf("result = %+v", res)
	}
	if n := env.transport.connectCount("dev"); n != 3 {
		t.Errorf("connects = %d, want 3", n)
	}
	if p := lookup(t, env.registry, "dev"); p.AddressSuffix != "1234" {
		t.Errorf("AddressSuffix = %q, want 1234", p.AddressSuffix)
	}
}

func TestMalformedFrameDiscarded(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, func(m *mockTransport) {
		m.services["dev"] = []string{ble.ManagementServiceUUID}
		m.replies["01 01 01"] = [][]byte{{0x04}, {0x04, 0x06, 0x01, 0xAA, 0xBB}, {0x04, 0x07, 0x01, 0x00, 0x2f}}
	})
	env.transport.advertise("dev", "", []string{ble.ManagementServiceUUID}, -40)
	env.waitFor(events.PeripheralAdmitted, "dev")

	if err := env.scanner.IssueCommand(context.Background(), "dev", protocol.CommandReadAddress); err != nil {
		t.Fatalf("IssueCommand() error: %v", err)
	}
	if res := env.waitResult("dev"); res.Outcome != session.OutcomeCompleted {
		t.Fatalf("result = %+v", res)
	}
	if p := lookup(t, env.registry, "dev"); p.AddressSuffix != "002f" {
		t.Errorf("AddressSuffix = %q, want 002f", p.AddressSuffix)
	}
}

func TestSetFiltersPersistsAndResets(t *testing.T) {
	st := &memStore{}
	env := newEnv(t, Options{Filters: filter.Settings{}}, st, nil)

	env.transport.advertise("near", "", nil, -30)
	env.transport.advertise("far", "", []string{ble.ManagementServiceUUID}, -80)
	env.waitFor(events.PeripheralAdmitted, "far")
	if n := len(env.scanner.FilteredView()); n != 2 {
		t.Fatalf("FilteredView() len = %d, want 2", n)
	}

	want := filter.Settings{ByRSSI: true}
	if err := env.scanner.SetFilters(context.Background(), want); err != nil {
		t.Fatalf("SetFilters() error: %v", err)
	}
	if got := env.scanner.Filters(); got != want {
		t.Errorf("Filters() = %+v, want %+v", got, want)
	}
	if saved, err := st.LoadFilters(); err != nil || saved != want {
		t.Errorf("saved = %+v, %v; want %+v", saved, err, want)
	}

	view := env.scanner.FilteredView()
	if len(view) != 1 || view[0].ID != "near" {
		t.Errorf("FilteredView() = %v, want [near]", view)
	}
	ev := env.waitFor(events.ViewReset, "")
	if ids, _ := ev.Data.([]string); len(ids) != 1 || ids[0] != "near" {
		t.Errorf("ViewReset data = %v", ev.Data)
	}
}

func TestNewLoadsSavedFilters(t *testing.T) {
	saved := filter.Settings{ByService: true, ByRSSI: true}
	st := &memStore{settings: &saved}
	sc := New(newMockTransport(), registry.New(nil), nil, st, discardLogger(), Options{Filters: filter.Settings{}})
	if got := sc.Filters(); got != saved {
		t.Errorf("Filters() = %+v, want %+v", got, saved)
	}

	sc = New(newMockTransport(), registry.New(nil), nil, &memStore{}, discardLogger(), Options{Filters: filter.Settings{ByService: true}})
	if got := sc.Filters(); got != (filter.Settings{ByService: true}) {
		t.Errorf("Filters() without saved = %+v, want defaults", got)
	}
}

func TestShutdownDisconnectsFiltered(t *testing.T) {
	env := newEnv(t, plainOptions(), nil, nil)

	env.transport.advertise("a", "", []string{ble.ManagementServiceUUID}, -40)
	env.transport.advertise("b", "", []string{ble.SMPServiceUUID}, -40)
	env.transport.advertise("c", "", nil, -40)
	env.waitFor(events.PeripheralAdmitted, "b")
	if !env.transport.isScanning() {
		t.Fatal("not scanning")
	}

	env.stop()

	if !env.transport.disconnected("a") || !env.transport.disconnected("b") {
		t.Error("filtered peripherals not disconnected")
	}
	if env.transport.disconnected("c") {
		t.Error("unfiltered peripheral disconnected")
	}
	if env.transport.isScanning() {
		t.Error("still scanning after shutdown")
	}
}
