// Package codec implements the broker's wire framing (§4.1): a 4-byte
// big-endian length prefix followed by a UTF-8 JSON envelope body.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/relayd/internal/envelope"
)

// DefaultMaxFrameBytes is the default frame size ceiling (§6).
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

const lengthPrefixSize = 4

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured maximum.
var ErrFrameTooLarge = errors.New("codec: frame exceeds maxFrameBytes")

// ErrBadFrame wraps any frame whose body cannot be decoded as a well-formed
// envelope.
var ErrBadFrame = errors.New("codec: malformed frame")

// Encode serializes an envelope to a length-prefixed frame.
func Encode(env *envelope.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out, nil
}

// Decoder is an incremental parser: callers Push bytes as they arrive and
// drain zero or more complete envelopes. Any partial tail is retained
// across calls. A Decoder is not safe for concurrent use; each Connection
// owns exactly one (§5: per-connection inbound order is preserved by a
// single reader).
type Decoder struct {
	maxFrameBytes int
	buf           bytes.Buffer
}

// NewDecoder returns a Decoder that rejects frames larger than
// maxFrameBytes. A maxFrameBytes of 0 uses DefaultMaxFrameBytes.
func NewDecoder(maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrameBytes: maxFrameBytes}
}

// Push appends newly-read bytes to the internal buffer and returns every
// envelope that is now fully available. The partial tail, if any, is kept
// for the next Push.
func (d *Decoder) Push(chunk []byte) ([]*envelope.Envelope, error) {
	if len(chunk) > 0 {
		d.buf.Write(chunk)
	}

	var out []*envelope.Envelope
	for {
		env, consumed, err := d.tryExtract()
		if err != nil {
			return out, err
		}
		if !consumed {
			return out, nil
		}
		out = append(out, env)
	}
}

// tryExtract attempts to pull one complete frame off the front of the
// buffer. consumed is false when more bytes are needed.
func (d *Decoder) tryExtract() (env *envelope.Envelope, consumed bool, err error) {
	avail := d.buf.Bytes()
	if len(avail) < lengthPrefixSize {
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(avail[:lengthPrefixSize])
	if int(n) > d.maxFrameBytes {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	total := lengthPrefixSize + int(n)
	if len(avail) < total {
		return nil, false, nil
	}

	if n == 0 {
		d.buf.Next(total)
		return nil, false, fmt.Errorf("%w: zero-length frame", ErrBadFrame)
	}

	frame := d.buf.Next(total)
	body := frame[lengthPrefixSize:]
	var e envelope.Envelope
	if decErr := json.Unmarshal(body, &e); decErr != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadFrame, decErr)
	}

	return &e, true, nil
}

// Reset clears all buffered state, discarding any partial frame.
func (d *Decoder) Reset() {
	d.buf.Reset()
}
