// Package protocol implements the byte framing used on the management
// service's data transfer characteristics.
package protocol

import (
	"errors"
	"fmt"
)

// Command is an intent the central can send to a peripheral.
type Command uint8

const (
	CommandNone Command = iota
	CommandReadAddress
	CommandReadAddressAndCount
	CommandEnableCommissioning
	CommandDisableCommissioning
	CommandDecommission
	CommandTriggerAttention
)

var (
	// ErrNoCommand is returned when encoding CommandNone.
	ErrNoCommand = errors.New("protocol: no command")
	// ErrUnknownCommand is returned for command values or names outside the set above.
	ErrUnknownCommand = errors.New("protocol: unknown command")
	// ErrShortFrame is returned when a frame is shorter than its sub-opcode requires.
	ErrShortFrame = errors.New("protocol: short frame")
)

var commandNames = map[Command]string{
	CommandNone:                 "none",
	CommandReadAddress:          "read_address",
	CommandReadAddressAndCount:  "read_address_and_count",
	CommandEnableCommissioning:  "enable_commissioning",
	CommandDisableCommissioning: "disable_commissioning",
	CommandDecommission:         "decommission",
	CommandTriggerAttention:     "trigger_attention",
}

// outbound frames: [group, length hint, opcode]
var commandFrames = map[Command][3]byte{
	CommandReadAddress:          {0x01, 0x01, 0x01},
	CommandReadAddressAndCount:  {0x01, 0x01, 0x03},
	CommandEnableCommissioning:  {0x02, 0x01, 0x01},
	CommandDisableCommissioning: {0x02, 0x01, 0x02},
	CommandTriggerAttention:     {0x02, 0x01, 0x03},
	CommandDecommission:         {0x02, 0x01, 0x05},
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// Commands returns every command that produces a frame, in opcode order.
func Commands() []Command {
	return []Command{
		CommandReadAddress,
		CommandReadAddressAndCount,
		CommandEnableCommissioning,
		CommandDisableCommissioning,
		CommandTriggerAttention,
		CommandDecommission,
	}
}

// ParseCommand maps a command name such as "trigger_attention" to its Command.
func ParseCommand(name string) (Command, error) {
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	return CommandNone, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// Encode returns the outbound frame for c. CommandNone has no frame and
// yields ErrNoCommand; callers must not write anything in that case.
func Encode(c Command) ([]byte, error) {
	if c == CommandNone {
		return nil, ErrNoCommand
	}
	f, ok := commandFrames[c]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(c))
	}
	return []byte{f[0], f[1], f[2]}, nil
}
