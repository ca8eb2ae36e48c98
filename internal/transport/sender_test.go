package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/1ureka/tether/internal/protocol"
)

func TestSplitChunks(t *testing.T) {
	testCases := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"empty", 0, 4, nil},
		{"smaller than chunk", 3, 4, []int{3}},
		{"exact chunk", 4, 4, []int{4}},
		{"remainder", 10, 4, []int{4, 4, 2}},
		{"exact multiple", 8, 4, []int{4, 4}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.n)
			for i := range data {
				data[i] = byte(i)
			}

			chunks := splitChunks(data, tc.size)
			if len(chunks) != len(tc.sizes) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tc.sizes))
			}
			var joined []byte
			for i, c := range chunks {
				if len(c) != tc.sizes[i] {
					t.Errorf("chunk %d has %d bytes, want %d", i, len(c), tc.sizes[i])
				}
				joined = append(joined, c...)
			}
			if !bytes.Equal(joined, data) {
				t.Error("chunks do not reassemble to the input")
			}
		})
	}
}

func TestSenderRejectsOversizedFrame(t *testing.T) {
	// The size check runs before the inbox is touched, so no loop is needed.
	s := &sender{inbox: make(chan outgoing, 1)}
	ctx := context.Background()

	f := protocol.Frame{Type: protocol.TypeFileWrite, Payload: make([]byte, protocol.MaxPayloadSize+1)}
	if err := s.send(ctx, ctx, f); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("send = %v, want ErrFrameTooLarge", err)
	}
	if n := len(s.inbox); n != 0 {
		t.Errorf("inbox holds %d frames, want 0", n)
	}
}
