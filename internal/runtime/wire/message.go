// Package wire defines the messages exchanged between nodes and their byte
// encodings.
//
// The envelope and the structured payloads are protobuf wire format written
// with protowire. Payloads whose layout is fixed by offset (Discover,
// DiscoverResponse, Publish and the reference prefix of SubscribeResponse) are
// little-endian integers.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/ella/internal/runtime/handles"
)

// Type is the kind of a wire message.
type Type uint8

const (
	Discover Type = iota
	DiscoverResponse
	Publish
	Subscribe
	SubscribeResponse
	Unsubscribe
	ApplicationMessage
	ApplicationMessageResponse
	EventCorrelation
	NodeShutdown
	NewPublisher
)

var typeNames = [...]string{
	Discover:                   "discover",
	DiscoverResponse:           "discover_response",
	Publish:                    "publish",
	Subscribe:                  "subscribe",
	SubscribeResponse:          "subscribe_response",
	Unsubscribe:                "unsubscribe",
	ApplicationMessage:         "application_message",
	ApplicationMessageResponse: "application_message_response",
	EventCorrelation:           "event_correlation",
	NodeShutdown:               "node_shutdown",
	NewPublisher:               "new_publisher",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return int(t) < len(typeNames)
}

// Message is the only artifact that crosses node boundaries.
type Message struct {
	Type   Type
	ID     int32
	Sender handles.NodeID
	Data   []byte
}

const (
	fieldType   protowire.Number = 1
	fieldID     protowire.Number = 2
	fieldSender protowire.Number = 3
	fieldData   protowire.Number = 4
)

// Marshal encodes the envelope.
func (m Message) Marshal() []byte {
	b := make([]byte, 0, len(m.Data)+16)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(m.ID)))
	b = protowire.AppendTag(b, fieldSender, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Sender))
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	return b
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n, err := consumeUint(b, math.MaxUint8, "type")
			m.Type = Type(v)
			return n, err
		case num == fieldID && typ == protowire.VarintType:
			v, n, err := consumeUint(b, math.MaxUint32, "id")
			m.ID = int32(uint32(v))
			return n, err
		case num == fieldSender && typ == protowire.VarintType:
			v, n, err := consumeUint(b, math.MaxUint8, "sender")
			m.Sender = handles.NodeID(v)
			return n, err
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Data = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Message{}, err
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
	}
	return m, nil
}

// consumeUint reads a varint that must not exceed limit.
func consumeUint(b []byte, limit uint64, field string) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 && v > limit {
		return 0, 0, fmt.Errorf("%w: %s %d out of range", ErrMalformed, field, v)
	}
	return v, n, nil
}

// forEachField walks the top-level fields of b. fn returns how many bytes of
// the field value it consumed; a negative count is a protowire parse error.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
