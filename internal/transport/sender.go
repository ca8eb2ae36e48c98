package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing frame channel capacity
	chunkSize      = 16 * 1024  // largest DataChannel message
)

// outgoing is one queued frame and where to report the result.
type outgoing struct {
	frame protocol.Frame
	done  chan error
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan outgoing
	drainSignal chan struct{}
	fail        func(error)
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled or a
// write fails, in which case fail is called.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, fail func(error)) *sender {
	s := &sender{
		inbox:       make(chan outgoing, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		fail:        fail,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send frames with backpressure.
	for {
		select {
		case out := <-s.inbox:
			data := protocol.Encode(out.frame)
			err := s.write(ctx, dc, data)
			out.done <- err
			if err != nil {
				util.LogError("failed to send %s frame: %v", out.frame.Type, err)
				s.fail(err)
				return
			}
			util.Stats.AddSent(len(data))

		case <-ctx.Done():
			return
		}
	}
}

// write sends data as a run of chunks no larger than chunkSize.
func (s *sender) write(ctx context.Context, dc *webrtc.DataChannel, data []byte) error {
	for _, chunk := range splitChunks(data, chunkSize) {
		if dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-s.drainSignal:
			case <-ctx.Done():
				return ErrClosed
			}
		}
		if err := dc.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

// send enqueues a frame and waits for the result.
func (s *sender) send(ctx, chCtx context.Context, f protocol.Frame) error {
	if err := protocol.CheckSize(f); err != nil {
		return err
	}

	out := outgoing{frame: f, done: make(chan error, 1)}

	select {
	case s.inbox <- out:
	case <-chCtx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.done:
		return err
	case <-chCtx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitChunks slices data into consecutive pieces of at most size bytes.
// The pieces alias data.
func splitChunks(data []byte, size int) [][]byte {
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}
