package signaling

import (
	"sync"

	"github.com/gorilla/websocket"
)

// sender serializes outgoing signaling messages to the WebSocket.
//
// Candidates gathered before the local description has been sent are held
// back and flushed right after it, so the remote side never receives a
// candidate before the description it belongs to.
type sender struct {
	peer Peer
	conn *websocket.Conn

	mu      sync.Mutex
	sdpSent bool
	pending []string
}

// send writes a signaling message to the WebSocket. Caller holds mu.
func (s *sender) send(msg Message) error {
	return s.conn.WriteJSON(msg)
}

func (s *sender) sendDescription(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.send(msg); err != nil {
		return err
	}
	s.sdpSent = true

	for _, c := range s.pending {
		if err := s.send(Message{Type: MsgTypeCandidate, Candidate: c}); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.peer.CreateOffer()
	if err != nil {
		return err
	}

	if err := s.peer.SetLocalDescription(offer); err != nil {
		return err
	}

	return s.sendDescription(Message{Type: MsgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return err
	}

	if err := s.peer.SetLocalDescription(answer); err != nil {
		return err
	}

	return s.sendDescription(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
}

// sendCandidate sends an ICE candidate message, or queues it if the local
// description has not gone out yet.
func (s *sender) sendCandidate(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sdpSent {
		s.pending = append(s.pending, candidate)
		return nil
	}
	return s.send(Message{Type: MsgTypeCandidate, Candidate: candidate})
}
