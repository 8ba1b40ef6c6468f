package delimrpc

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/Zereker/delimrpc/message"
)

// Errors reported by the frame codec. They are wrapped in a *CodecError.
var (
	// ErrSerializeFailed is returned when a message cannot be serialized.
	ErrSerializeFailed = errors.New("serialize failed")
	// ErrParseFailed is returned when a frame cannot be parsed.
	ErrParseFailed = errors.New("parse failed")
)

// Role selects the status a codec reports its own failures with.
type Role int

const (
	// ClientRole reports codec failures as message.StatusClientError.
	ClientRole Role = iota
	// ServerRole reports codec failures as message.StatusServerError.
	ServerRole
)

// ErrorStatus returns the status codec failures are reported with.
func (r Role) ErrorStatus() message.Status {
	if r == ServerRole {
		return message.StatusServerError
	}
	return message.StatusClientError
}

func (r Role) String() string {
	if r == ServerRole {
		return "server"
	}
	return "client"
}

// CodecError describes a message that could not be serialized or parsed.
type CodecError struct {
	// Op is ErrSerializeFailed or ErrParseFailed.
	Op error
	// Kind names the message type involved.
	Kind   string
	Status message.Status
	Err    error
}

func (e *CodecError) Error() string {
	verb := "parse"
	if e.Op == ErrSerializeFailed {
		verb = "serialize"
	}
	return fmt.Sprintf("could not %s %s: %v", verb, e.Kind, e.Err)
}

func (e *CodecError) Is(target error) bool {
	return target == e.Op
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Response returns the error Response the protocol answers with.
func (e *CodecError) Response() *message.Response {
	verb := "parse"
	if e.Op == ErrSerializeFailed {
		verb = "serialize"
	}
	return &message.Response{
		Status: e.Status,
		Emsg:   fmt.Sprintf("could not %s %s", verb, e.Kind),
	}
}

// Codec turns messages into delimiter-terminated frames and carves frames
// out of its buffer back into messages. A Codec belongs to one connection.
type Codec struct {
	role Role
	buf  *frameBuffer
}

// NewCodec returns a codec for the given role whose buffer holds at most
// maxFrameSize bytes of an incomplete frame. A non-positive size disables
// the limit.
func NewCodec(role Role, maxFrameSize int) *Codec {
	return &Codec{role: role, buf: newFrameBuffer(maxFrameSize)}
}

// Role returns the role the codec reports failures for.
func (c *Codec) Role() Role {
	return c.role
}

// Encode serializes msg and appends the delimiter.
// On failure the returned error is a *CodecError.
func (c *Codec) Encode(msg message.Message) ([]byte, error) {
	data, err := msg.Marshal()
	if err != nil {
		return nil, c.error(ErrSerializeFailed, msg, err)
	}

	out := make([]byte, 0, len(data)+len(delimiter))
	out = append(out, data...)
	return append(out, delimiter...), nil
}

// ReadFrame blocks until a complete frame is buffered and returns its length
// including the delimiter.
func (c *Codec) ReadFrame(r io.Reader) (int, error) {
	return c.buf.readUntilDelimiter(r)
}

// Decode parses the first length bytes of the buffer, delimiter excluded,
// into msg and drops them from the buffer. The bytes are dropped even when
// parsing fails. On failure the returned error is a *CodecError.
func (c *Codec) Decode(msg message.Message, length int) error {
	data := c.buf.frame(length)
	c.buf.consume(length)

	if err := msg.Unmarshal(data); err != nil {
		return c.error(ErrParseFailed, msg, err)
	}
	return nil
}

// Feed appends raw bytes to the buffer as if they had been read.
func (c *Codec) Feed(p []byte) {
	c.buf.data = append(c.buf.data, p...)
}

// Buffered reports how many unconsumed bytes the buffer holds.
func (c *Codec) Buffered() int {
	return c.buf.buffered()
}

func (c *Codec) error(op error, msg message.Message, err error) *CodecError {
	return &CodecError{
		Op:     op,
		Kind:   msg.Kind(),
		Status: c.role.ErrorStatus(),
		Err:    err,
	}
}

// errorResponse converts err into the Response reported for it.
func (c *Codec) errorResponse(err error) *message.Response {
	var codecErr *CodecError
	if errors.As(err, &codecErr) {
		return codecErr.Response()
	}
	return &message.Response{Status: c.role.ErrorStatus(), Emsg: err.Error()}
}
