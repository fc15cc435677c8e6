package udp

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedDatagram is returned for datagrams that cannot be decoded.
var ErrMalformedDatagram = errors.New("udp: malformed datagram")

const (
	fieldTopic    protowire.Number = 1
	fieldUUID     protowire.Number = 2
	fieldMetadata protowire.Number = 3
	fieldPayload  protowire.Number = 4

	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2
)

// marshalDatagram packs a watermill message and its topic into one datagram.
func marshalDatagram(topic string, msg *message.Message) []byte {
	b := make([]byte, 0, len(msg.Payload)+len(topic)+len(msg.UUID)+32)
	b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, topic)
	b = protowire.AppendTag(b, fieldUUID, protowire.BytesType)
	b = protowire.AppendString(b, msg.UUID)
	for k, v := range msg.Metadata {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldValue, protowire.BytesType)
		entry = protowire.AppendString(entry, v)
		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(b, msg.Payload)
}

// unmarshalDatagram is the inverse of marshalDatagram. The payload is copied
// out of b so the read buffer can be reused.
func unmarshalDatagram(b []byte) (string, *message.Message, error) {
	var (
		topic    string
		uuid     string
		payload  []byte
		metadata = message.Metadata{}
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedDatagram, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformedDatagram, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedDatagram, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldTopic:
			topic = string(v)
		case fieldUUID:
			uuid = string(v)
		case fieldMetadata:
			k, val, err := unmarshalEntry(v)
			if err != nil {
				return "", nil, err
			}
			metadata.Set(k, val)
		case fieldPayload:
			payload = append([]byte(nil), v...)
		}
	}
	if topic == "" {
		return "", nil, fmt.Errorf("%w: missing topic", ErrMalformedDatagram)
	}
	msg := message.NewMessage(uuid, payload)
	msg.Metadata = metadata
	return topic, msg, nil
}

func unmarshalEntry(b []byte) (string, string, error) {
	var k, v string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", "", fmt.Errorf("%w: bad metadata entry", ErrMalformedDatagram)
		}
		b = b[n:]
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: bad metadata entry", ErrMalformedDatagram)
		}
		b = b[n:]
		switch num {
		case fieldKey:
			k = s
		case fieldValue:
			v = s
		}
	}
	return k, v, nil
}
