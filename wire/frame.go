package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// headerSize is the size of the fixed envelope prefix:
	// int32 total length, uint16 command id, int32 content length.
	headerSize = 4 + 2 + 4

	// DefaultMaxFrameSize is the largest frame a connection accepts
	// unless configured otherwise.
	DefaultMaxFrameSize = 2 * 1024 * 1024
)

var (
	// ErrOversizedMessage is returned when a declared frame length exceeds
	// the configured maximum before the full frame has arrived.
	ErrOversizedMessage = errors.New("oversized message")
	// ErrMalformedFrame is returned when the envelope fields are inconsistent.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one length-prefixed protocol unit: a command id, the serialized
// command content, and optional raw trailing bytes that are carried verbatim
// (used for file parts and voice payloads).
type Frame struct {
	ID      uint16
	Content []byte
	Raw     []byte
}

// Encode assembles the full envelope for the frame:
//
//	int32 total | uint16 id | int32 contentLen | content | raw
//
// total counts every field including itself.
func (f *Frame) Encode() []byte {
	total := headerSize + len(f.Content) + len(f.Raw)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], f.ID)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(f.Content)))
	copy(buf[headerSize:], f.Content)
	copy(buf[headerSize+len(f.Content):], f.Raw)
	return buf
}

// declaredLength reads the total length field of a buffered envelope.
// It returns 0 and false when fewer than four bytes are buffered.
func declaredLength(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return int(int32(binary.LittleEndian.Uint32(buf[0:4]))), true
}

// decodeFrame extracts one frame from a complete envelope of exactly
// total bytes. The content and raw slices are copied so the caller may
// reuse the input buffer.
func decodeFrame(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("%w: envelope of %d bytes", ErrMalformedFrame, len(buf))
	}
	id := binary.LittleEndian.Uint16(buf[4:6])
	contentLen := int(int32(binary.LittleEndian.Uint32(buf[6:10])))
	if contentLen < 0 || headerSize+contentLen > len(buf) {
		return Frame{}, fmt.Errorf("%w: content length %d in %d byte envelope", ErrMalformedFrame, contentLen, len(buf))
	}
	frame := Frame{ID: id}
	if contentLen > 0 {
		frame.Content = make([]byte, contentLen)
		copy(frame.Content, buf[headerSize:headerSize+contentLen])
	}
	if rawLen := len(buf) - headerSize - contentLen; rawLen > 0 {
		frame.Raw = make([]byte, rawLen)
		copy(frame.Raw, buf[headerSize+contentLen:])
	}
	return frame, nil
}
