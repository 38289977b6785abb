// Package session implements the single in-flight command transaction with
// one peripheral as a pure state machine: Step consumes a transport event
// and returns the next session plus the effects the caller must perform.
// A nil *Session is Idle; no Session means no command in flight.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/ble/protocol"
)

var (
	// ErrBusy is returned by Start while another session is active.
	ErrBusy = errors.New("session: another command is in flight")
	// ErrNoCommand is returned by Start for protocol.CommandNone.
	ErrNoCommand = protocol.ErrNoCommand

	ErrConnectTimeout        = errors.New("session: connection timed out")
	ErrTransactionTimeout    = errors.New("session: transaction timed out")
	ErrDisconnected          = errors.New("session: peripheral disconnected")
	ErrNoManagementService   = errors.New("session: management service not found")
	ErrMissingCharacteristic = errors.New("session: data transfer characteristic not found")
)

// State is the position of a session in the transaction.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateWriting
	StateAwaitingNotification
)

var stateNames = map[State]string{
	StateIdle:                       "idle",
	StateConnecting:                 "connecting",
	StateDiscoveringServices:        "discovering_services",
	StateDiscoveringCharacteristics: "discovering_characteristics",
	StateWriting:                    "writing",
	StateAwaitingNotification:       "awaiting_notification",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Options tune timeouts and retries. A zero timeout disables it.
type Options struct {
	ConnectTimeout     time.Duration
	TransactionTimeout time.Duration
	// MaxRetries is the number of extra connection attempts after a failed connect.
	MaxRetries        int
	WriteWithResponse bool
}

// DefaultOptions returns the standard timeouts (20s connect, 30s transaction)
// and three connect retries.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:     20 * time.Second,
		TransactionTimeout: 30 * time.Second,
		MaxRetries:         3,
	}
}

// Session is one command transaction with one peripheral. It holds only the
// peripheral's ID; all peripheral state lives in the registry.
type Session struct {
	Target    string
	Command   protocol.Command
	State     State
	StartedAt time.Time
	// Attempts counts connection attempts made so far.
	Attempts int
	// AttentionActive is set once the peripheral reported its attention
	// indicator running; the session then waits for the expiry frame.
	AttentionActive bool

	opts Options
}

// CurrentState returns StateIdle for a nil session.
func (s *Session) CurrentState() State {
	if s == nil {
		return StateIdle
	}
	return s.State
}

// Start opens a session for cmd on target. It is rejected with ErrBusy when
// active is not nil, leaving the active session untouched.
func Start(active *Session, target string, cmd protocol.Command, opts Options, now time.Time) (*Session, []Effect, error) {
	if active != nil {
		return active, nil, fmt.Errorf("%w: %s on %s", ErrBusy, active.Command, active.Target)
	}
	if _, err := protocol.Encode(cmd); err != nil {
		return nil, nil, err
	}
	s := &Session{
		Target:    target,
		Command:   cmd,
		State:     StateConnecting,
		StartedAt: now,
		Attempts:  1,
		opts:      opts,
	}
	effects := []Effect{{Kind: EffectConnect, Target: target}}
	if opts.ConnectTimeout > 0 {
		effects = append(effects, Effect{Kind: EffectArmTimeout, Target: target, Timeout: opts.ConnectTimeout})
	}
	return s, effects, nil
}

// Step applies one transport event. Events for other peripherals, and
// events that do not fit the current state, leave the session unchanged.
func Step(s *Session, ev ble.Event) (*Session, []Effect) {
	if s == nil || ev.ID != s.Target {
		return s, nil
	}
	next := *s

	switch ev.Kind {
	case ble.EventDisconnected:
		return finish(&next, OutcomeFailed, ErrDisconnected, false)

	case ble.EventError:
		return finish(&next, OutcomeFailed, ev.Err, true)

	case ble.EventTimeout:
		if next.State == StateConnecting {
			return finish(&next, OutcomeFailed, ErrConnectTimeout, true)
		}
		return finish(&next, OutcomeFailed, ErrTransactionTimeout, true)

	case ble.EventConnectFailed:
		if next.State != StateConnecting {
			return s, nil
		}
		if next.Attempts <= next.opts.MaxRetries {
			next.Attempts++
			return &next, []Effect{{Kind: EffectConnect, Target: next.Target, Err: ev.Err}}
		}
		return finish(&next, OutcomeFailed, ev.Err, false)

	case ble.EventConnected:
		if next.State != StateConnecting {
			return s, nil
		}
		next.State = StateDiscoveringServices
		effects := []Effect{{
			Kind:   EffectDiscoverServices,
			Target: next.Target,
			UUIDs:  []string{ble.ManagementServiceUUID, ble.SMPServiceUUID},
		}}
		if next.opts.TransactionTimeout > 0 {
			effects = append(effects, Effect{Kind: EffectArmTimeout, Target: next.Target, Timeout: next.opts.TransactionTimeout})
		}
		return &next, effects

	case ble.EventServicesDiscovered:
		if next.State != StateDiscoveringServices {
			return s, nil
		}
		return servicesDiscovered(&next, ev.UUIDs)

	case ble.EventCharacteristicsDiscovered:
		if next.State != StateDiscoveringCharacteristics {
			return s, nil
		}
		if !ble.ContainsUUID(ev.UUIDs, ble.DataTXCharUUID) || !ble.ContainsUUID(ev.UUIDs, ble.DataRXCharUUID) {
			return finish(&next, OutcomeFailed, ErrMissingCharacteristic, true)
		}
		frame, err := protocol.Encode(next.Command)
		if err != nil {
			return finish(&next, OutcomeFailed, err, true)
		}
		next.State = StateWriting
		return &next, []Effect{
			{Kind: EffectEnableNotifications, Target: next.Target, Char: ble.DataTXCharUUID},
			{Kind: EffectWrite, Target: next.Target, Char: ble.DataRXCharUUID, Data: frame, WithResponse: next.opts.WriteWithResponse},
		}

	case ble.EventWriteComplete:
		if next.State != StateWriting {
			return s, nil
		}
		next.State = StateAwaitingNotification
		return &next, nil

	case ble.EventNotification:
		// A notification may overtake the write completion.
		if next.State != StateWriting && next.State != StateAwaitingNotification {
			return s, nil
		}
		if ev.Char != "" && !ble.SameUUID(ev.Char, ble.DataTXCharUUID) {
			return s, nil
		}
		return notified(&next, ev.Data)
	}
	return s, nil
}

func servicesDiscovered(s *Session, uuids []string) (*Session, []Effect) {
	hasManagement := ble.ContainsUUID(uuids, ble.ManagementServiceUUID)
	hasSMP := ble.ContainsUUID(uuids, ble.SMPServiceUUID)
	if !hasManagement && !hasSMP {
		return nil, []Effect{
			{Kind: EffectSupported, Target: s.Target, Supported: false},
			{Kind: EffectDisconnect, Target: s.Target},
			{Kind: EffectFinished, Target: s.Target, Command: s.Command, Outcome: OutcomeUnsupported},
		}
	}
	supported := Effect{Kind: EffectSupported, Target: s.Target, Supported: true}
	if !hasManagement {
		_, effects := finish(s, OutcomeFailed, ErrNoManagementService, true)
		return nil, append([]Effect{supported}, effects...)
	}
	s.State = StateDiscoveringCharacteristics
	return s, []Effect{
		supported,
		{
			Kind:    EffectDiscoverCharacteristics,
			Target:  s.Target,
			Service: ble.ManagementServiceUUID,
			UUIDs:   []string{ble.DataTXCharUUID, ble.DataRXCharUUID},
		},
	}
}

func notified(s *Session, data []byte) (*Session, []Effect) {
	resp, err := protocol.Decode(data)
	if err != nil {
		return s, []Effect{{Kind: EffectDiscarded, Target: s.Target, Data: data, Err: err}}
	}
	apply := Effect{Kind: EffectApply, Target: s.Target, Response: resp}

	// Once the indicator runs only its expiry frame ends the session.
	if s.AttentionActive && resp.Kind != protocol.ResponseAttentionExpired {
		if resp.Kind == protocol.ResponseIgnored {
			return s, nil
		}
		return s, []Effect{apply}
	}

	switch resp.Kind {
	case protocol.ResponseAttentionStarted:
		// Stay connected until the peripheral reports the attention timer expired.
		s.State = StateAwaitingNotification
		s.AttentionActive = true
		return s, []Effect{apply}
	case protocol.ResponseAttentionExpired:
		s.AttentionActive = false
	}
	return nil, []Effect{
		apply,
		{Kind: EffectDisconnect, Target: s.Target},
		{Kind: EffectFinished, Target: s.Target, Command: s.Command, Outcome: OutcomeCompleted},
	}
}

// finish ends the session. A running attention indicator is stopped because
// its terminating frame can no longer arrive.
func finish(s *Session, outcome Outcome, err error, disconnect bool) (*Session, []Effect) {
	var effects []Effect
	if s.AttentionActive {
		effects = append(effects, Effect{Kind: EffectStopAttention, Target: s.Target})
	}
	if disconnect {
		effects = append(effects, Effect{Kind: EffectDisconnect, Target: s.Target})
	}
	effects = append(effects, Effect{Kind: EffectFinished, Target: s.Target, Command: s.Command, Outcome: outcome, Err: err})
	return nil, effects
}
