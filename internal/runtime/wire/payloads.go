package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
)

// ErrMalformed is returned for payloads that cannot be decoded.
var ErrMalformed = errspkg.ErrMalformedMessage

const (
	discoverSize   = 8
	portSize       = 4
	publishHeader  = 4
	referenceBytes = 4
)

// EncodeDiscover lays out the announcing node id at offset 0 and its listen
// port at offset 4.
func EncodeDiscover(node handles.NodeID, port int) []byte {
	b := make([]byte, discoverSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(node))
	binary.LittleEndian.PutUint32(b[4:], uint32(port))
	return b
}

// DecodeDiscover returns the listen port announced in a Discover payload.
func DecodeDiscover(b []byte) (int, error) {
	if len(b) < discoverSize {
		return 0, fmt.Errorf("%w: discover payload has %d bytes", ErrMalformed, len(b))
	}
	return checkPort(int32(binary.LittleEndian.Uint32(b[4:])))
}

// EncodeDiscoverResponse carries the responder's listen port at offset 0.
func EncodeDiscoverResponse(port int) []byte {
	b := make([]byte, portSize)
	binary.LittleEndian.PutUint32(b, uint32(port))
	return b
}

func DecodeDiscoverResponse(b []byte) (int, error) {
	if len(b) < portSize {
		return 0, fmt.Errorf("%w: discover response payload has %d bytes", ErrMalformed, len(b))
	}
	return checkPort(int32(binary.LittleEndian.Uint32(b)))
}

func checkPort(port int32) (int, error) {
	if port <= 0 || port > math.MaxUint16 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrMalformed, port)
	}
	return int(port), nil
}

// EncodePublish prefixes an event payload with the publisher id and event id.
func EncodePublish(publisherID, eventID uint16, payload []byte) []byte {
	b := make([]byte, publishHeader+len(payload))
	binary.LittleEndian.PutUint16(b[0:], publisherID)
	binary.LittleEndian.PutUint16(b[2:], eventID)
	copy(b[publishHeader:], payload)
	return b
}

// DecodePublish splits a Publish payload. The returned payload aliases b.
func DecodePublish(b []byte) (publisherID, eventID uint16, payload []byte, err error) {
	if len(b) < publishHeader {
		return 0, 0, nil, fmt.Errorf("%w: publish payload has %d bytes", ErrMalformed, len(b))
	}
	return binary.LittleEndian.Uint16(b[0:]), binary.LittleEndian.Uint16(b[2:]), b[publishHeader:], nil
}

// EncodeTypeTag is the payload of Subscribe and NewPublisher.
func EncodeTypeTag(tag string) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, tag)
}

func DecodeTypeTag(b []byte) (string, error) {
	var tag string
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			tag = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return "", err
	}
	if tag == "" {
		return "", fmt.Errorf("%w: empty type tag", ErrMalformed)
	}
	return tag, nil
}

// EncodeSubscribeResponse writes the request reference at offset 0 followed by
// the handle list.
func EncodeSubscribeResponse(reference int32, hs []handles.SubscriptionHandle) []byte {
	b := make([]byte, referenceBytes, referenceBytes+len(hs)*16)
	binary.LittleEndian.PutUint32(b, uint32(reference))
	for _, h := range hs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSubscriptionHandle(nil, h))
	}
	return b
}

func DecodeSubscribeResponse(b []byte) (int32, []handles.SubscriptionHandle, error) {
	if len(b) < referenceBytes {
		return 0, nil, fmt.Errorf("%w: subscribe response payload has %d bytes", ErrMalformed, len(b))
	}
	reference := int32(binary.LittleEndian.Uint32(b))
	var hs []handles.SubscriptionHandle
	err := forEachField(b[referenceBytes:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			h, err := decodeSubscriptionHandle(v)
			if err != nil {
				return 0, err
			}
			hs = append(hs, h)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return 0, nil, err
	}
	return reference, hs, nil
}

// EncodeCorrelation is the payload of EventCorrelation.
func EncodeCorrelation(first, second handles.EventHandle) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, appendEventHandle(nil, first))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, appendEventHandle(nil, second))
}

func DecodeCorrelation(b []byte) (handles.EventHandle, handles.EventHandle, error) {
	var first, second handles.EventHandle
	var seen int
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if (num == 1 || num == 2) && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			h, err := decodeEventHandle(v)
			if err != nil {
				return 0, err
			}
			if num == 1 {
				first = h
			} else {
				second = h
			}
			seen++
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return first, second, err
	}
	if seen != 2 {
		return first, second, fmt.Errorf("%w: correlation needs two event handles", ErrMalformed)
	}
	return first, second, nil
}

// EncodeApplicationMessage is the payload of ApplicationMessage and
// ApplicationMessageResponse.
func EncodeApplicationMessage(m handles.ApplicationMessage) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.Type)))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(m.ID)))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Sender))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Recipient))
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	return protowire.AppendBytes(b, appendSubscriptionHandle(nil, m.Handle))
}

func DecodeApplicationMessage(b []byte) (handles.ApplicationMessage, error) {
	var m handles.ApplicationMessage
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Data = append([]byte(nil), v...)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			t := protowire.DecodeZigZag(v)
			if n >= 0 && (t < math.MinInt16 || t > math.MaxInt16) {
				return 0, fmt.Errorf("%w: message type %d out of range", ErrMalformed, t)
			}
			m.Type = int16(t)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeUint(b, math.MaxUint32, "message id")
			m.ID = int32(uint32(v))
			return n, err
		case num == 4 && typ == protowire.VarintType:
			v, n, err := consumeUint(b, math.MaxUint16, "sender")
			m.Sender = uint16(v)
			return n, err
		case num == 5 && typ == protowire.VarintType:
			v, n, err := consumeUint(b, math.MaxUint16, "recipient")
			m.Recipient = uint16(v)
			return n, err
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			h, err := decodeSubscriptionHandle(v)
			if err != nil {
				return 0, err
			}
			m.Handle = h
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

func appendEventHandle(b []byte, h handles.EventHandle) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.PublisherNodeID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.PublisherID))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(h.EventID))
}

func decodeEventHandle(b []byte) (handles.EventHandle, error) {
	var h handles.EventHandle
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		limit, known := eventHandleLimits[num]
		if typ != protowire.VarintType || !known {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n, err := consumeUint(b, limit, "event handle field")
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			h.PublisherNodeID = handles.NodeID(v)
		case 2:
			h.PublisherID = uint16(v)
		case 3:
			h.EventID = uint16(v)
		}
		return n, nil
	})
	return h, err
}

// Upper bounds of the varint fields of an encoded subscription handle. The
// first three fields form the event handle.
var (
	eventHandleLimits = map[protowire.Number]uint64{
		1: math.MaxUint8,
		2: math.MaxUint16,
		3: math.MaxUint16,
	}
	subscriptionHandleLimits = map[protowire.Number]uint64{
		1: math.MaxUint8,
		2: math.MaxUint16,
		3: math.MaxUint16,
		4: math.MaxUint16,
		5: math.MaxUint8,
		6: math.MaxUint32,
	}
)

func appendSubscriptionHandle(b []byte, h handles.SubscriptionHandle) []byte {
	b = appendEventHandle(b, h.EventHandle)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.SubscriberID))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.SubscriberNodeID))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(uint32(h.SubscriptionReference)))
}

func decodeSubscriptionHandle(b []byte) (handles.SubscriptionHandle, error) {
	var h handles.SubscriptionHandle
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		limit, known := subscriptionHandleLimits[num]
		if typ != protowire.VarintType || !known {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n, err := consumeUint(b, limit, "subscription handle field")
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			h.PublisherNodeID = handles.NodeID(v)
		case 2:
			h.PublisherID = uint16(v)
		case 3:
			h.EventID = uint16(v)
		case 4:
			h.SubscriberID = uint16(v)
		case 5:
			h.SubscriberNodeID = handles.NodeID(v)
		case 6:
			h.SubscriptionReference = int32(uint32(v))
		}
		return n, nil
	})
	return h, err
}
