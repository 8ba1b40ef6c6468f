package message

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the wire schema.
const (
	authUser protowire.Number = 1
	authPass protowire.Number = 2

	eventID         protowire.Number = 1
	eventDeviceHash protowire.Number = 2
	eventDeviceDT   protowire.Number = 3
	eventHide       protowire.Number = 4
	eventExtra      protowire.Number = 5

	queryType      protowire.Number = 1
	queryWithMerge protowire.Number = 2
	queryEvents    protowire.Number = 3

	responseStatus protowire.Number = 1
	responseEmsg   protowire.Number = 2
	responseEvents protowire.Number = 3
)

func (a *Auth) Marshal() ([]byte, error) {
	if err := validString("user", a.User); err != nil {
		return nil, err
	}
	if err := validString("pass", a.Pass); err != nil {
		return nil, err
	}

	var b []byte
	b = appendString(b, authUser, a.User)
	b = appendString(b, authPass, a.Pass)
	return checkDelimiter(b)
}

func (a *Auth) Unmarshal(data []byte) error {
	*a = Auth{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case authUser:
			return consumeString(num, typ, b, &a.User)
		case authPass:
			return consumeString(num, typ, b, &a.Pass)
		}
		return 0, nil
	})
}

func (e *Event) marshal() ([]byte, error) {
	if err := validString("extra", e.Extra); err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarint(b, eventID, uint64(e.ID))
	b = appendVarint(b, eventDeviceHash, uint64(e.DeviceHash))
	b = appendVarint(b, eventDeviceDT, uint64(e.DeviceDT))
	b = appendVarint(b, eventHide, protowire.EncodeBool(e.Hide))
	b = appendString(b, eventExtra, e.Extra)
	return b, nil
}

func (e *Event) unmarshal(data []byte) error {
	*e = Event{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			v   uint64
			n   int
			err error
		)
		switch num {
		case eventID, eventDeviceHash, eventDeviceDT, eventHide:
			v, n, err = consumeVarint(num, typ, b)
		case eventExtra:
			return consumeString(num, typ, b, &e.Extra)
		default:
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		switch num {
		case eventID:
			e.ID = int64(v)
		case eventDeviceHash:
			e.DeviceHash = int64(v)
		case eventDeviceDT:
			e.DeviceDT = int64(v)
		case eventHide:
			e.Hide = protowire.DecodeBool(v)
		}
		return n, nil
	})
}

func (q *Query) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, queryType, uint64(int64(q.Type)))
	b = appendVarint(b, queryWithMerge, protowire.EncodeBool(q.WithMerge))

	b, err := appendEvents(b, queryEvents, q.Events)
	if err != nil {
		return nil, err
	}
	return checkDelimiter(b)
}

func (q *Query) Unmarshal(data []byte) error {
	*q = Query{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case queryType:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			q.Type = QueryType(int32(v))
			return n, nil
		case queryWithMerge:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			q.WithMerge = protowire.DecodeBool(v)
			return n, nil
		case queryEvents:
			return consumeEvent(num, typ, b, &q.Events)
		}
		return 0, nil
	})
}

func (r *Response) Marshal() ([]byte, error) {
	if err := validString("emsg", r.Emsg); err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarint(b, responseStatus, uint64(int64(r.Status)))
	b = appendString(b, responseEmsg, r.Emsg)

	b, err := appendEvents(b, responseEvents, r.Events)
	if err != nil {
		return nil, err
	}
	return checkDelimiter(b)
}

func (r *Response) Unmarshal(data []byte) error {
	*r = Response{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case responseStatus:
			v, n, err := consumeVarint(num, typ, b)
			if err != nil {
				return 0, err
			}
			r.Status = Status(int32(v))
			return n, nil
		case responseEmsg:
			return consumeString(num, typ, b, &r.Emsg)
		case responseEvents:
			return consumeEvent(num, typ, b, &r.Events)
		}
		return 0, nil
	})
}

// errWrongType marks a known field sent with another wire type. Such a
// field is skipped like an unknown one.
var errWrongType = errors.New("wrong wire type")

// decodeFields walks the fields of b. fn returns the number of bytes it
// consumed for a known field, or 0 to have the field skipped.
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if errors.Is(err, errWrongType) {
			n, err = 0, nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func checkWireType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("field %d: %w %d, want %d", num, errWrongType, got, want)
	}
	return nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if err := checkWireType(num, typ, protowire.VarintType); err != nil {
		return 0, 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, dst *string) (int, error) {
	if err := checkWireType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if !utf8.ValidString(v) {
		return 0, fmt.Errorf("field %d: %w", num, ErrInvalidUTF8)
	}
	*dst = v
	return n, nil
}

func consumeEvent(num protowire.Number, typ protowire.Type, b []byte, dst *[]*Event) (int, error) {
	if err := checkWireType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	ev := new(Event)
	if err := ev.unmarshal(v); err != nil {
		return 0, fmt.Errorf("field %d: %w", num, err)
	}
	*dst = append(*dst, ev)
	return n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendEvents(b []byte, num protowire.Number, events []*Event) ([]byte, error) {
	for i, ev := range events {
		if ev == nil {
			ev = &Event{}
		}
		eb, err := ev.marshal()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b, nil
}

func validString(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s: %w", field, ErrInvalidUTF8)
	}
	return nil
}
