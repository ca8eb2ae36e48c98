package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnknownFrameType is returned when admission rejects a frame. The
	// payload has not been buffered.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrFrameTooLarge is returned for headers declaring more than
	// MaxPayloadSize bytes.
	ErrFrameTooLarge = errors.New("frame payload too large")
)

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[4:8], h.Tag)
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadSize)
}

func parseHeader(buf []byte) Header {
	return Header{
		Type:        Type(binary.BigEndian.Uint32(buf[0:4])),
		Tag:         binary.BigEndian.Uint32(buf[4:8]),
		PayloadSize: binary.BigEndian.Uint32(buf[8:12]),
	}
}

// check applies the size bound and the admission policy to h. A nil admit
// means AdmitKnown.
func check(h Header, admit func(Header) bool) error {
	if h.PayloadSize > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.PayloadSize)
	}
	if admit == nil {
		admit = AdmitKnown
	}
	if !admit(h) {
		return fmt.Errorf("%w: %d", ErrUnknownFrameType, uint32(h.Type))
	}
	return nil
}

// CheckSize returns ErrFrameTooLarge when f's payload exceeds
// MaxPayloadSize. Senders call it before writing anything, since the
// receiving side drops the whole channel on an oversized header.
func CheckSize(f Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	return nil
}

// Encode serializes a Frame into a byte slice for message-oriented
// transports.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	putHeader(buf, f.Header())
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode deserializes one message into a Frame. The header is validated
// with admit before the payload is copied.
func Decode(data []byte, admit func(Header) bool) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: frame too short: %d bytes (need at least %d)", ErrDecode, len(data), HeaderSize)
	}
	h := parseHeader(data)
	if err := check(h, admit); err != nil {
		return Frame{}, err
	}
	if int(h.PayloadSize) != len(data)-HeaderSize {
		return Frame{}, fmt.Errorf("%w: declared %d payload bytes, got %d", ErrDecode, h.PayloadSize, len(data)-HeaderSize)
	}
	f := Frame{Type: h.Type, Tag: h.Tag}
	if h.PayloadSize > 0 {
		f.Payload = make([]byte, h.PayloadSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}

// WriteFrame writes the header and payload of f to w. Oversized frames are
// rejected before anything is written.
func WriteFrame(w io.Writer, f Frame) error {
	if err := CheckSize(f); err != nil {
		return err
	}
	_, err := w.Write(Encode(f))
	return err
}

// ReadFrame reads one frame from r. When admit rejects the header the
// declared payload is discarded so the stream stays aligned, and
// ErrUnknownFrameType is returned.
func ReadFrame(r io.Reader, admit func(Header) bool) (Frame, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Frame{}, err
	}
	h := parseHeader(buf[:])

	if err := check(h, admit); err != nil {
		if errors.Is(err, ErrUnknownFrameType) {
			if _, derr := io.CopyN(io.Discard, r, int64(h.PayloadSize)); derr != nil {
				return Frame{}, derr
			}
		}
		return Frame{}, err
	}

	f := Frame{Type: h.Type, Tag: h.Tag}
	if h.PayloadSize > 0 {
		f.Payload = make([]byte, h.PayloadSize)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: short payload: %v", ErrDecode, err)
		}
	}
	return f, nil
}
