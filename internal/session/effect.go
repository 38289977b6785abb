package session

import (
	"fmt"
	"time"

	"github.com/chaz8081/dtscan/internal/ble/protocol"
)

// EffectKind identifies work the caller must perform after a transition.
type EffectKind uint8

const (
	EffectConnect EffectKind = iota + 1
	EffectDisconnect
	EffectDiscoverServices
	EffectDiscoverCharacteristics
	EffectEnableNotifications
	EffectWrite
	// EffectArmTimeout replaces any pending session deadline.
	EffectArmTimeout
	// EffectApply carries a decoded response to apply to the registry.
	EffectApply
	// EffectSupported reports whether the peripheral speaks the protocol.
	EffectSupported
	// EffectDiscarded reports a malformed notification that was dropped.
	EffectDiscarded
	EffectStopAttention
	// EffectFinished is always the last effect of a session.
	EffectFinished
)

var effectNames = map[EffectKind]string{
	EffectConnect:                 "connect",
	EffectDisconnect:              "disconnect",
	EffectDiscoverServices:        "discover_services",
	EffectDiscoverCharacteristics: "discover_characteristics",
	EffectEnableNotifications:     "enable_notifications",
	EffectWrite:                   "write",
	EffectArmTimeout:              "arm_timeout",
	EffectApply:                   "apply",
	EffectSupported:               "supported",
	EffectDiscarded:               "discarded",
	EffectStopAttention:           "stop_attention",
	EffectFinished:                "finished",
}

func (k EffectKind) String() string {
	if name, ok := effectNames[k]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", uint8(k))
}

// Outcome summarises how a session ended.
type Outcome uint8

const (
	OutcomeCompleted Outcome = iota + 1
	// OutcomeUnsupported means the peripheral lacks the management and SMP
	// services. It is a graceful end, not an error.
	OutcomeUnsupported
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeUnsupported:
		return "unsupported"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// MarshalText encodes the outcome name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Effect is one instruction for the caller. Only the fields relevant to
// Kind are set.
type Effect struct {
	Kind   EffectKind
	Target string

	Service      string
	UUIDs        []string
	Char         string
	Data         []byte
	WithResponse bool

	Timeout   time.Duration
	Response  protocol.Response
	Supported bool

	Command protocol.Command
	Outcome Outcome
	Err     error
}
