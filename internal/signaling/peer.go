package signaling

import "github.com/pion/webrtc/v4"

// Peer is the side of a PeerConnection that signaling drives. Ready is
// closed once the DataChannel is open, at which point signaling is over.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Ready() <-chan struct{}
}
