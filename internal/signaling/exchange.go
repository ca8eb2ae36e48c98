package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// Offer runs the offering side of the exchange on conn and blocks until
// the peer is ready, signaling fails, or ctx is done. The caller owns conn
// and should close it once Offer returns.
func Offer(ctx context.Context, conn *websocket.Conn, p Peer) error {
	return exchange(ctx, conn, p, true)
}

// Answer runs the answering side of the exchange on conn. It waits for the
// remote offer, replies, and blocks like Offer.
func Answer(ctx context.Context, conn *websocket.Conn, p Peer) error {
	return exchange(ctx, conn, p, false)
}

func exchange(ctx context.Context, conn *websocket.Conn, p Peer, offerer bool) error {
	s := &sender{peer: p, conn: conn}
	r := &receiver{peer: p, conn: conn, sender: s}

	// Trickle ICE candidates. Errors are ignored: sendCandidate is
	// best-effort and the websocket goes away once the peer is ready.
	p.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		s.sendCandidate(string(data))
	})

	// Exits when conn is closed by the caller.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-p.Ready():
		return nil

	case err := <-errCh:
		// The watch may lose the race against a peer that just became ready.
		select {
		case <-p.Ready():
			return nil
		default:
		}
		return fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		return ctx.Err()
	}
}
