package delimrpc

import (
	"bytes"
	"io"

	"github.com/Zereker/delimrpc/message"
)

var delimiter = []byte(message.Delimiter)

// readChunkSize is how many bytes a single Read asks the transport for.
const readChunkSize = 4096

// frameBuffer accumulates bytes read from a stream until a full frame,
// terminated by the delimiter, is available. At most one partially received
// frame sits at the tail of the buffer.
type frameBuffer struct {
	data []byte
	// scanned is how far data has already been searched for the delimiter.
	scanned int
	// max bounds the bytes a single frame may occupy, delimiter included.
	max int
}

func newFrameBuffer(maxFrameSize int) *frameBuffer {
	return &frameBuffer{max: maxFrameSize}
}

// readUntilDelimiter reads from r until a delimiter is buffered and returns
// the length of the first frame including the delimiter. Bytes beyond the
// delimiter stay buffered for the next call.
//
// It returns io.EOF when r ends with nothing buffered, io.ErrUnexpectedEOF
// when r ends in the middle of a frame and ErrMessageTooLarge when more than
// the maximum frame size accumulates without a delimiter.
func (b *frameBuffer) readUntilDelimiter(r io.Reader) (int, error) {
	for {
		if n := b.find(); n > 0 {
			return n, nil
		}
		if b.max > 0 && len(b.data) >= b.max {
			return 0, ErrMessageTooLarge
		}

		b.grow()
		n, err := r.Read(b.data[len(b.data):cap(b.data)])
		b.data = b.data[:len(b.data)+n]
		if n > 0 {
			continue
		}

		if err == io.EOF {
			if len(b.data) == 0 {
				return 0, io.EOF
			}
			return 0, io.ErrUnexpectedEOF
		}
		if err != nil {
			return 0, err
		}
	}
}

// find returns the length through the first delimiter, or 0.
func (b *frameBuffer) find() int {
	// A delimiter may straddle the previous scan boundary.
	start := b.scanned - len(delimiter) + 1
	if start < 0 {
		start = 0
	}
	i := bytes.Index(b.data[start:], delimiter)
	if i < 0 {
		b.scanned = len(b.data)
		return 0
	}
	return start + i + len(delimiter)
}

func (b *frameBuffer) grow() {
	if cap(b.data)-len(b.data) >= readChunkSize {
		return
	}
	next := make([]byte, len(b.data), 2*cap(b.data)+readChunkSize)
	copy(next, b.data)
	b.data = next
}

// frame returns a copy of the first length bytes minus the trailing delimiter.
func (b *frameBuffer) frame(length int) []byte {
	return append([]byte(nil), b.data[:length-len(delimiter)]...)
}

// consume drops the first n bytes.
func (b *frameBuffer) consume(n int) {
	if n > len(b.data) {
		n = len(b.data)
	}
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
	b.scanned = 0
}

// buffered reports how many bytes are waiting in the buffer.
func (b *frameBuffer) buffered() int {
	return len(b.data)
}
