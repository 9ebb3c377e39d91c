package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Parser errors.
var (
	ErrShortFrame    = errors.New("frame: buffer shorter than declared length")
	ErrShortHeader   = errors.New("frame: buffer shorter than header")
	ErrPayloadTooBig = errors.New("frame: payload exceeds maximum size")
	ErrUnknownTag    = errors.New("frame: unknown tag")
)

// Frame is a decoded control-plane frame: a tag plus its raw payload bytes.
// Payload-specific accessors live in payload.go.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// New constructs a Frame, copying payload so the caller's buffer can be
// reused.
func New(tag Tag, payload []byte) *Frame {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &Frame{Tag: tag, Payload: buf}
}

// Encode appends the wire representation of f to dst and returns the
// extended slice.
func (f *Frame) Encode(dst []byte) ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, ErrPayloadTooBig
	}
	header := make([]byte, headerLen)
	header[0] = byte(f.Tag)
	binary.BigEndian.PutUint16(header[1:3], uint16(len(f.Payload)))
	dst = append(dst, header...)
	dst = append(dst, f.Payload...)
	return dst, nil
}

// Decode reads a single frame from the front of buf and returns it along
// with the number of bytes consumed. It returns ErrShortHeader/ErrShortFrame
// when buf does not yet hold a complete frame — callers feeding a TLS
// byte stream should buffer and retry once more bytes arrive.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < headerLen {
		return nil, 0, ErrShortHeader
	}
	tag := Tag(buf[0])
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	total := headerLen + length
	if len(buf) < total {
		return nil, 0, ErrShortFrame
	}
	return &Frame{Tag: tag, Payload: buf[headerLen:total]}, total, nil
}

// Reader incrementally decodes frames from a stream of bytes fed via Feed.
// It is not safe for concurrent use; each ProtocolSession owns exactly one
// Reader, matching the single-writer-per-session discipline in §5.
type Reader struct {
	buf []byte
}

// Feed appends newly-received plaintext bytes (produced by the TLS/DTLS
// endpoint) to the reader's internal buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next returns the next fully-buffered frame, or (nil, false) if more bytes
// are needed. It passes on any Decode error other than a short buffer,
// which callers should treat as a ProtocolError; Decode currently reports
// only short buffers, so in practice the error is always nil.
func (r *Reader) Next() (*Frame, bool, error) {
	f, n, err := Decode(r.buf)
	switch {
	case err == nil:
		r.buf = r.buf[n:]
		return f, true, nil
	case errors.Is(err, ErrShortHeader), errors.Is(err, ErrShortFrame):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Pending returns the number of unparsed bytes currently buffered.
func (r *Reader) Pending() int { return len(r.buf) }

// MustDecodeAll decodes every frame from a fully-buffered plaintext
// payload, used in tests and for parsing complete TLS application-data
// records. An error is returned if trailing bytes do not form a full frame.
func MustDecodeAll(buf []byte) ([]*Frame, error) {
	var out []*Frame
	for len(buf) > 0 {
		f, n, err := Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("frame: trailing %d bytes: %w", len(buf), err)
		}
		out = append(out, f)
		buf = buf[n:]
	}
	return out, nil
}
