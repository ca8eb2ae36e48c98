package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/1ureka/tether/internal/protocol"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for every known frame type.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		frame protocol.Frame
	}{
		{"fileWrite with payload", protocol.Frame{Type: protocol.TypeFileWrite, Tag: 7, Payload: []byte("hello world")}},
		{"fileDelete with payload", protocol.Frame{Type: protocol.TypeFileDelete, Payload: []byte("Sources/main.swift")}},
		{"emptyBundle without payload", protocol.Frame{Type: protocol.TypeEmptyBundle}},
		{"runCommand with max tag", protocol.Frame{Type: protocol.TypeRunCommand, Tag: 0xFFFFFFFF}},
		{"fileWrite with large payload (256KB)", protocol.Frame{Type: protocol.TypeFileWrite, Payload: make([]byte, 256*1024)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := protocol.Encode(tc.frame)
			if len(encoded) != protocol.HeaderSize+len(tc.frame.Payload) {
				t.Fatalf("encoded size: got %d, want %d", len(encoded), protocol.HeaderSize+len(tc.frame.Payload))
			}

			decoded, err := protocol.Decode(encoded, nil)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Type != tc.frame.Type {
				t.Errorf("Type mismatch: got %v, want %v", decoded.Type, tc.frame.Type)
			}
			if decoded.Tag != tc.frame.Tag {
				t.Errorf("Tag mismatch: got %d, want %d", decoded.Tag, tc.frame.Tag)
			}
			if !bytes.Equal(decoded.Payload, tc.frame.Payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d", len(decoded.Payload), len(tc.frame.Payload))
			}
		})
	}
}

// TestHeaderLayout pins the big-endian wire layout of the header.
func TestHeaderLayout(t *testing.T) {
	encoded := protocol.Encode(protocol.Frame{Type: protocol.TypeFileDelete, Tag: 0x01020304, Payload: []byte{0xAA}})
	want := []byte{
		0x00, 0x00, 0x00, 0x65, // type 101
		0x01, 0x02, 0x03, 0x04, // tag
		0x00, 0x00, 0x00, 0x01, // payload size
		0xAA,
	}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("encoded = % x, want % x", encoded, want)
	}
}

// TestDecodeTooShort verifies that Decode rejects input shorter than HeaderSize.
func TestDecodeTooShort(t *testing.T) {
	for _, data := range [][]byte{{}, {0x01}, make([]byte, protocol.HeaderSize-1)} {
		if _, err := protocol.Decode(data, nil); !errors.Is(err, protocol.ErrDecode) {
			t.Errorf("Decode(%d bytes): got %v, want ErrDecode", len(data), err)
		}
	}
}

// TestDecodeSizeMismatch verifies that a header whose declared size does not
// match the message is rejected.
func TestDecodeSizeMismatch(t *testing.T) {
	encoded := protocol.Encode(protocol.Frame{Type: protocol.TypeFileWrite, Payload: []byte("abc")})
	if _, err := protocol.Decode(encoded[:len(encoded)-1], nil); !errors.Is(err, protocol.ErrDecode) {
		t.Fatalf("got %v, want ErrDecode", err)
	}
}

// TestDecodeRejectsUnknownType verifies that admission runs before the
// payload is touched.
func TestDecodeRejectsUnknownType(t *testing.T) {
	for _, raw := range []protocol.Type{0, 1, 99, 104, 0xFFFFFFFF} {
		encoded := protocol.Encode(protocol.Frame{Type: raw, Payload: []byte("garbage")})
		if _, err := protocol.Decode(encoded, nil); !errors.Is(err, protocol.ErrUnknownFrameType) {
			t.Errorf("type %d: got %v, want ErrUnknownFrameType", uint32(raw), err)
		}
	}
}

// TestDecodeCustomAdmission verifies that a caller-supplied policy is honoured.
func TestDecodeCustomAdmission(t *testing.T) {
	rejectAll := func(protocol.Header) bool { return false }
	encoded := protocol.Encode(protocol.Frame{Type: protocol.TypeRunCommand})
	if _, err := protocol.Decode(encoded, rejectAll); !errors.Is(err, protocol.ErrUnknownFrameType) {
		t.Fatalf("got %v, want ErrUnknownFrameType", err)
	}
}

// TestDecodePreservesPayload verifies that the payload is copied and not
// aliased to the input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	encoded := protocol.Encode(protocol.Frame{Type: protocol.TypeFileWrite, Payload: []byte("original")})
	decoded, err := protocol.Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[protocol.HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("Payload was incorrectly aliased: got %v", decoded.Payload)
	}
}

// TestReadFrameSkipsRejectedPayload verifies that a rejected frame is
// discarded from the stream and the next frame is still readable.
func TestReadFrameSkipsRejectedPayload(t *testing.T) {
	var stream bytes.Buffer
	if err := protocol.WriteFrame(&stream, protocol.Frame{Type: 42, Payload: []byte("not for you")}); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteFrame(&stream, protocol.Frame{Type: protocol.TypeFileDelete, Payload: []byte("a.txt")}); err != nil {
		t.Fatal(err)
	}

	if _, err := protocol.ReadFrame(&stream, nil); !errors.Is(err, protocol.ErrUnknownFrameType) {
		t.Fatalf("first frame: got %v, want ErrUnknownFrameType", err)
	}

	f, err := protocol.ReadFrame(&stream, nil)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if f.Type != protocol.TypeFileDelete || string(f.Payload) != "a.txt" {
		t.Errorf("second frame = %v %q", f.Type, f.Payload)
	}
	if stream.Len() != 0 {
		t.Errorf("%d bytes left in stream", stream.Len())
	}
}

// TestReadFrameTooLarge verifies that an oversized declaration is refused
// without reading the payload.
func TestReadFrameTooLarge(t *testing.T) {
	hdr := protocol.Encode(protocol.Frame{Type: protocol.TypeFileWrite})
	hdr[8], hdr[9], hdr[10], hdr[11] = 0xFF, 0xFF, 0xFF, 0xFF

	if _, err := protocol.ReadFrame(bytes.NewReader(hdr), nil); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

// TestParseType verifies the closed type set.
func TestParseType(t *testing.T) {
	known := map[uint32]protocol.Type{
		100: protocol.TypeFileWrite,
		101: protocol.TypeFileDelete,
		102: protocol.TypeEmptyBundle,
		103: protocol.TypeRunCommand,
	}
	for raw, want := range known {
		if got := protocol.ParseType(raw); got != want {
			t.Errorf("ParseType(%d) = %v, want %v", raw, got, want)
		}
	}
	for _, raw := range []uint32{0, 5, 99, 104, 1000} {
		if got := protocol.ParseType(raw); got != protocol.TypeUnknown {
			t.Errorf("ParseType(%d) = %v, want TypeUnknown", raw, got)
		}
	}
}

// TestCheckSize verifies that oversized payloads are refused before any
// byte reaches the writer.
func TestCheckSize(t *testing.T) {
	if err := protocol.CheckSize(protocol.Frame{Type: protocol.TypeFileWrite, Payload: make([]byte, protocol.MaxPayloadSize)}); err != nil {
		t.Errorf("payload of exactly MaxPayloadSize: %v", err)
	}

	big := protocol.Frame{Type: protocol.TypeFileWrite, Payload: make([]byte, protocol.MaxPayloadSize+1)}
	if err := protocol.CheckSize(big); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("CheckSize = %v, want ErrFrameTooLarge", err)
	}

	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, big); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("WriteFrame = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("WriteFrame wrote %d bytes for a rejected frame", buf.Len())
	}
}
