// Package transport provides the point-to-point channels a session runs
// over. A Channel carries whole frames in order; how it does so (one
// websocket message per frame, or a chunked WebRTC DataChannel) is up to
// the implementation.
package transport

import (
	"context"
	"errors"

	"github.com/1ureka/tether/internal/discovery"
	"github.com/1ureka/tether/internal/protocol"
)

var (
	// ErrConnect wraps every failure to establish a channel.
	ErrConnect = errors.New("transport: connect failed")
	// ErrClosed is returned by Send on a channel that has ended.
	ErrClosed = errors.New("transport: channel closed")
)

// Handler receives everything a channel reads.
//
// Admit is consulted with the header of each inbound frame before its
// payload is read; rejected frames are skipped. HandleFrame runs on the
// channel's read goroutine, one frame at a time. HandleEnd runs exactly
// once when the channel ends for any reason, with a nil error if the end
// was a local Close.
type Handler interface {
	Admit(h protocol.Header) bool
	HandleFrame(f protocol.Frame)
	HandleEnd(err error)
}

// Channel is an established point-to-point channel.
type Channel interface {
	// Send writes f and returns once it has been handed to the network.
	// Frames larger than protocol.MaxPayloadSize fail with
	// protocol.ErrFrameTooLarge and leave the channel usable.
	Send(ctx context.Context, f protocol.Frame) error
	// Close ends the channel. HandleEnd fires if it has not already.
	Close() error
}

// Dialer establishes a channel to a device on a channel number.
type Dialer interface {
	Dial(ctx context.Context, dev discovery.Device, port protocol.Port, h Handler) (Channel, error)
}
