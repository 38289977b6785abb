package protocol

import "fmt"

// Frame classes of inbound notifications.
const (
	ClassRequestResponse byte = 0x04 // Generic_Request_Response
	ClassCommandResponse byte = 0x05 // Generic_Command_Response
)

// ResponseKind identifies what a decoded notification reports.
type ResponseKind uint8

const (
	// ResponseIgnored is a well-formed frame with an unlisted class or sub-opcode.
	ResponseIgnored ResponseKind = iota
	ResponseAddress
	ResponseAddressAndCount
	ResponseSubDeviceCount
	ResponseCommissioningEnabled
	ResponseCommissioningDisabled
	ResponseAttentionStarted
	ResponseAttentionExpired
)

var responseNames = map[ResponseKind]string{
	ResponseIgnored:               "ignored",
	ResponseAddress:               "address",
	ResponseAddressAndCount:       "address_and_count",
	ResponseSubDeviceCount:        "sub_device_count",
	ResponseCommissioningEnabled:  "commissioning_enabled",
	ResponseCommissioningDisabled: "commissioning_disabled",
	ResponseAttentionStarted:      "attention_started",
	ResponseAttentionExpired:      "attention_expired",
}

func (k ResponseKind) String() string {
	if name, ok := responseNames[k]; ok {
		return name
	}
	return fmt.Sprintf("response(%d)", uint8(k))
}

// Response is a decoded inbound frame.
type Response struct {
	Kind      ResponseKind
	Class     byte
	SubOpcode byte

	// AddrHi and AddrLo are the last two bytes of the hardware address.
	// Valid for ResponseAddress and ResponseAddressAndCount.
	AddrHi, AddrLo byte

	// Count is the number of commissioned sub-devices. Valid when HasCount is set.
	Count    uint8
	HasCount bool
}

// HasAddress reports whether the response carries an address suffix.
func (r Response) HasAddress() bool {
	return r.Kind == ResponseAddress || r.Kind == ResponseAddressAndCount
}

// AddressSuffix formats the address bytes as four lowercase hex digits.
func (r Response) AddressSuffix() string {
	return FormatAddressSuffix(r.AddrHi, r.AddrLo)
}

// FormatAddressSuffix renders the last two hardware address bytes, e.g. "abcd".
func FormatAddressSuffix(hi, lo byte) string {
	return fmt.Sprintf("%02x%02x", hi, lo)
}

// requirement is the minimum declared length (byte 1) and the minimum
// buffer size needed to read a sub-opcode's payload.
type requirement struct {
	declared byte
	buffer   int
	kind     ResponseKind
}

var requestResponses = map[byte]requirement{
	0x01: {declared: 7, buffer: 5, kind: ResponseAddress},
	0x02: {declared: 2, buffer: 4, kind: ResponseSubDeviceCount},
	0x03: {declared: 4, buffer: 6, kind: ResponseAddressAndCount},
}

var commandResponses = map[byte]requirement{
	0x01: {declared: 1, buffer: 3, kind: ResponseCommissioningEnabled},
	0x02: {declared: 1, buffer: 4, kind: ResponseCommissioningDisabled},
	0x03: {declared: 1, buffer: 3, kind: ResponseAttentionStarted},
	0x04: {declared: 1, buffer: 3, kind: ResponseAttentionExpired},
}

// Decode parses an inbound notification. It never panics: frames shorter
// than their sub-opcode demands yield ErrShortFrame, and unknown classes or
// sub-opcodes decode to ResponseIgnored.
func Decode(data []byte) (Response, error) {
	if len(data) < 3 {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	resp := Response{Class: data[0], SubOpcode: data[2]}

	var table map[byte]requirement
	switch resp.Class {
	case ClassRequestResponse:
		table = requestResponses
	case ClassCommandResponse:
		table = commandResponses
	default:
		return resp, nil
	}

	req, ok := table[resp.SubOpcode]
	if !ok {
		return resp, nil
	}
	if data[1] < req.declared || len(data) < req.buffer {
		return Response{}, fmt.Errorf("%w: class 0x%02x sub-opcode 0x%02x declared %d, have %d bytes",
			ErrShortFrame, resp.Class, resp.SubOpcode, data[1], len(data))
	}
	resp.Kind = req.kind

	switch resp.Kind {
	case ResponseAddress:
		resp.AddrHi, resp.AddrLo = data[3], data[4]
	case ResponseAddressAndCount:
		resp.AddrHi, resp.AddrLo = data[3], data[4]
		resp.Count, resp.HasCount = data[5], true
	case ResponseSubDeviceCount, ResponseCommissioningDisabled:
		resp.Count, resp.HasCount = data[3], true
	}
	return resp, nil
}
