package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Errors
var (
	ErrModeUnset      = errors.New("protocol mode not set")
	ErrUnknownMessage = errors.New("unknown message kind")
	ErrShortPayload   = errors.New("payload truncated")
)

// Mode selects the wire format for a connection. It is fixed for the
// lifetime of the connection.
type Mode int

const (
	ModeUnset Mode = iota
	TextEncoded
	BinaryEncoded
)

// Subprotocol identifiers exchanged during the transport handshake.
const (
	SubprotocolJSON  = "v1.json.spacetimedb"
	SubprotocolBSATN = "v1.bsatn.spacetimedb"
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case TextEncoded:
		return "text"
	case BinaryEncoded:
		return "binary"
	default:
		return "unset"
	}
}

// Subprotocol returns the negotiated subprotocol string for the mode.
func (m Mode) Subprotocol() string {
	switch m {
	case TextEncoded:
		return SubprotocolJSON
	case BinaryEncoded:
		return SubprotocolBSATN
	default:
		return ""
	}
}

// FrameKind returns the transport frame kind the mode requires.
func (m Mode) FrameKind() FrameKind {
	switch m {
	case TextEncoded:
		return FrameText
	case BinaryEncoded:
		return FrameBinary
	default:
		return FrameUnknown
	}
}

// FrameKind classifies a transport frame as text or binary.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameText
	FrameBinary
)

// String returns the frame kind name.
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// MismatchError reports a disagreement between an observed frame kind and
// the kind the negotiated mode requires.
type MismatchError struct {
	Got  FrameKind
	Want FrameKind
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("frame kind mismatch: got %s, negotiated %s", e.Got, e.Want)
}

// Codec encodes outbound and decodes inbound messages in one wire format.
type Codec interface {
	// Mode returns the mode this codec implements.
	Mode() Mode

	// Subprotocol returns the subprotocol identifier to request at dial.
	Subprotocol() string

	// FrameKind returns the frame kind every encoded payload must be
	// sent as, and every received payload is expected to arrive as.
	FrameKind() FrameKind

	// EncodeClient serializes an outbound message.
	EncodeClient(msg ClientMessage) ([]byte, error)

	// DecodeServer parses an inbound payload into exactly one
	// ServerMessage variant.
	DecodeServer(payload []byte) (ServerMessage, error)

	// ValidateConsistency verifies that encoded payloads match the
	// codec's declared frame kind.
	ValidateConsistency() error
}

// New constructs the codec for a mode and validates its encode/frame-kind
// consistency. Called once per connection.
func New(mode Mode) (Codec, error) {
	var c Codec
	switch mode {
	case TextEncoded:
		c = &jsonCodec{}
	case BinaryEncoded:
		c = &bsatnCodec{}
	default:
		return nil, ErrModeUnset
	}
	if err := validateConsistency(c); err != nil {
		return nil, err
	}
	return c, nil
}

// validateConsistency encodes a probe message and classifies the payload.
// A codec whose output kind disagrees with its declared frame kind is a
// contract violation.
func validateConsistency(c Codec) error {
	probe := CallReducer{Reducer: "probe", Args: "{}", RequestID: 1}
	payload, err := c.EncodeClient(probe)
	if err != nil {
		return fmt.Errorf("consistency probe encode: %w", err)
	}
	got := classifyPayload(payload)
	if got != c.FrameKind() {
		return &MismatchError{Got: got, Want: c.FrameKind()}
	}
	return nil
}

// classifyPayload reports the frame kind a payload belongs on. Text
// payloads are valid UTF-8 JSON documents; everything else is binary.
func classifyPayload(payload []byte) FrameKind {
	if utf8.Valid(payload) && json.Valid(payload) {
		return FrameText
	}
	return FrameBinary
}
