// Package message defines the messages exchanged over a delimrpc connection
// and their protobuf wire encoding.
//
// The encoding follows proto3 rules: fields are written in field-number order,
// zero-valued scalars are omitted and unknown fields are skipped on decode.
// Encoding the same value always yields the same bytes.
package message

import (
	"bytes"
	"errors"
	"fmt"
)

// Delimiter terminates every frame on the wire.
// A serialized message must never contain it.
const Delimiter = "==DELIM=="

var delimiter = []byte(Delimiter)

// Errors returned by Marshal and Unmarshal.
var (
	// ErrInvalidUTF8 is returned when a string field holds invalid UTF-8.
	ErrInvalidUTF8 = errors.New("string field contains invalid UTF-8")
	// ErrContainsDelimiter is returned when the encoded bytes contain Delimiter.
	ErrContainsDelimiter = errors.New("encoded message contains the frame delimiter")
)

// Message is a value that can travel in one frame.
type Message interface {
	// Kind names the message type, e.g. "Auth".
	Kind() string
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// Status is the outcome carried by every Response.
type Status int32

const (
	StatusOK Status = iota
	StatusUnauthorized
	StatusClientError
	StatusServerError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusClientError:
		return "CLIENT_ERROR"
	case StatusServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// QueryType selects what the server does with the events of a Query.
type QueryType int32

const (
	QueryInsert QueryType = iota
	QuerySelect
	QueryDelete
)

func (t QueryType) String() string {
	switch t {
	case QueryInsert:
		return "INSERT"
	case QuerySelect:
		return "SELECT"
	case QueryDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("QueryType(%d)", int32(t))
	}
}

// Auth carries the credentials of the authentication handshake.
type Auth struct {
	User string
	Pass string
}

// Event is a single device event.
type Event struct {
	ID         int64
	DeviceHash int64
	DeviceDT   int64
	Hide       bool
	// Extra is free-form JSON attached to the event.
	Extra string
}

// Query is the application request sent after authentication.
type Query struct {
	Type      QueryType
	WithMerge bool
	Events    []*Event
}

// Response is the server's answer to an Auth or a Query.
type Response struct {
	Status Status
	Emsg   string
	Events []*Event
}

var (
	_ Message = (*Auth)(nil)
	_ Message = (*Query)(nil)
	_ Message = (*Response)(nil)
)

func (*Auth) Kind() string     { return "Auth" }
func (*Query) Kind() string    { return "Query" }
func (*Response) Kind() string { return "Response" }

// Reset clears the response so it can be reused.
func (r *Response) Reset() {
	*r = Response{}
}

// AddEvent appends a new event with the given id and returns it.
func (r *Response) AddEvent(id int64) *Event {
	ev := &Event{ID: id}
	r.Events = append(r.Events, ev)
	return ev
}

// IDs returns the ids of all events in the query, in order.
func (q *Query) IDs() []int64 {
	ids := make([]int64, 0, len(q.Events))
	for _, ev := range q.Events {
		ids = append(ids, ev.ID)
	}
	return ids
}

// IDs returns the ids of all events in the response, in order.
func (r *Response) IDs() []int64 {
	ids := make([]int64, 0, len(r.Events))
	for _, ev := range r.Events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func checkDelimiter(b []byte) ([]byte, error) {
	if bytes.Contains(b, delimiter) {
		return nil, ErrContainsDelimiter
	}
	return b, nil
}
