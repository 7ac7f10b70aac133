// Package frame implements length-prefixed message framing over a byte stream.
//
// A frame on the wire is a 4-byte big-endian payload length followed by
// exactly that many payload bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// DefaultMaxSize bounds the declared length of a single frame.
const DefaultMaxSize = 16 << 20

var (
	// ErrFrameTooLarge is returned by Append when a header declares a payload
	// larger than the queue accepts.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrNotReady is the panic value of Take when no complete frame is buffered.
	ErrNotReady = errors.New("no complete frame buffered")
)

// Encode prefixes payload with its length.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// Queue reassembles frames from arbitrarily chunked input.
// Appended chunks are kept as-is and only copied once when a frame is taken.
type Queue struct {
	chunks  [][]byte
	head    int // read offset into chunks[0]
	size    int // buffered bytes not yet consumed
	pending int // declared length of the next frame, -1 while awaiting a header
	maxSize int
	err     error
}

// NewQueue creates a Queue accepting frames up to maxSize bytes.
// A non-positive maxSize selects DefaultMaxSize.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{pending: -1, maxSize: maxSize}
}

// Append feeds newly read bytes. The queue keeps a reference to data, so the
// caller must not reuse the slice.
func (q *Queue) Append(data []byte) error {
	if q.err != nil {
		return q.err
	}
	if len(data) > 0 {
		q.chunks = append(q.chunks, data)
		q.size += len(data)
	}
	return q.readHeader()
}

// Ready reports whether a complete frame is buffered.
func (q *Queue) Ready() bool {
	return q.err == nil && q.pending >= 0 && q.size >= q.pending
}

// Take removes and returns the next complete frame payload.
// It panics with ErrNotReady if Ready would return false.
func (q *Queue) Take() []byte {
	if !q.Ready() {
		panic(ErrNotReady)
	}
	payload := q.take(q.pending)
	q.pending = -1
	// The header of the following frame may already be buffered. An oversized
	// one is kept in Err.
	q.readHeader()
	return payload
}

// Err returns the framing fault that stopped the queue, if any.
func (q *Queue) Err() error {
	return q.err
}

// Buffered returns the number of payload and header bytes not yet consumed.
func (q *Queue) Buffered() int {
	return q.size
}

func (q *Queue) readHeader() error {
	if q.pending >= 0 || q.size < HeaderSize {
		return nil
	}
	n := binary.BigEndian.Uint32(q.take(HeaderSize))
	if int64(n) > int64(q.maxSize) {
		q.err = fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, q.maxSize)
		return q.err
	}
	q.pending = int(n)
	return nil
}

// take copies n bytes out of the chunk list. n must not exceed q.size.
func (q *Queue) take(n int) []byte {
	if n > q.size {
		panic(fmt.Sprintf("frame: take %d bytes with %d buffered", n, q.size))
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk := q.chunks[0][q.head:]
		need := n - len(out)
		if len(chunk) > need {
			out = append(out, chunk[:need]...)
			q.head += need
			break
		}
		out = append(out, chunk...)
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		q.head = 0
	}
	q.size -= n
	return out
}
