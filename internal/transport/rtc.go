package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tether/internal/discovery"
	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/signaling"
	"github.com/1ureka/tether/internal/util"
)

// SignalPath is the HTTP path the WebRTC signaling websocket is served on.
const SignalPath = "/signal"

// ---------------------------------------------------------------------------
// Channel
// ---------------------------------------------------------------------------

// rtcChannel wraps a single PeerConnection + DataChannel pair. Encoded
// frames are split into DataChannel messages by the sender and joined
// again by feeding every inbound message into a pipe that the read loop
// parses exactly like a stream.
//
// The channel lives as long as the DataChannel is open and the context it
// was created with is not cancelled.
type rtcChannel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
	h  Handler

	sender     *sender
	openSignal chan struct{}
	pr         *io.PipeReader
	pw         *io.PipeWriter

	ctx    context.Context
	cancel context.CancelFunc

	closed atomic.Bool
	ended  atomic.Bool
}

// newRTCChannel creates the PeerConnection and pre-negotiated DataChannel.
// The caller performs signaling through the signaling.Peer methods.
func newRTCChannel(ctx context.Context, stunServers []string, h Handler) (*rtcChannel, error) {
	pc, err := newPeerConnection(stunServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	cCtx, cCancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	c := &rtcChannel{
		pc:         pc,
		dc:         dc,
		h:          h,
		openSignal: make(chan struct{}),
		pr:         pr,
		pw:         pw,
		ctx:        cCtx,
		cancel:     cCancel,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		c.end(errors.New("data channel closed"))
	})

	// Blocks pion's read path while the read loop is busy, which pushes
	// back on the remote sender.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		pw.Write(msg.Data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.end(fmt.Errorf("peer connection %s", state))
		}
	})

	c.sender = newSender(cCtx, dc, c.openSignal, c.end)

	go c.readLoop()
	go func() {
		<-cCtx.Done()
		c.end(ctx.Err())
	}()

	return c, nil
}

func (c *rtcChannel) readLoop() {
	for {
		f, err := protocol.ReadFrame(c.pr, c.h.Admit)
		if errors.Is(err, protocol.ErrUnknownFrameType) {
			util.LogDebug("transport: skipped frame: %v", err)
			continue
		}
		if err != nil {
			c.end(err)
			return
		}
		util.Stats.AddRecv(protocol.HeaderSize + len(f.Payload))
		c.h.HandleFrame(f)
	}
}

// end tears the channel down once and reports err to the handler. Pion
// callbacks fired by the teardown itself re-enter end and return at once.
func (c *rtcChannel) end(err error) {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.pw.CloseWithError(ErrClosed)
	c.dc.Close()
	c.pc.Close()
	if c.closed.Load() {
		err = nil
	}
	c.h.HandleEnd(err)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (c *rtcChannel) Ready() <-chan struct{} {
	return c.openSignal
}

func (c *rtcChannel) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.end(nil)
	}
	return nil
}

func (c *rtcChannel) Send(ctx context.Context, f protocol.Frame) error {
	return c.sender.send(ctx, c.ctx, f)
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (c *rtcChannel) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (c *rtcChannel) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (c *rtcChannel) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (c *rtcChannel) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (c *rtcChannel) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (c *rtcChannel) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Dialer
// ---------------------------------------------------------------------------

// RTCDialer establishes WebRTC channels. It connects to the receiver's
// signaling websocket at ws://<addr>:<port>/signal and answers its offer.
type RTCDialer struct {
	STUNServers []string
}

func (d RTCDialer) Dial(ctx context.Context, dev discovery.Device, port protocol.Port, h Handler) (Channel, error) {
	url := "ws://" + endpoint(dev, port) + SignalPath
	ws, err := signaling.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer ws.Close()

	// The channel must outlive ctx, which only bounds the dial.
	c, err := newRTCChannel(context.Background(), d.STUNServers, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	if err := signaling.Answer(ctx, ws, c); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	util.LogDebug("WebRTC DataChannel established with %s, closing WS", dev)
	return c, nil
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// RTCServer accepts WebRTC channels on one address. It serves the signaling
// websocket and makes the offer for each client. Like WSServer, only the
// most recent peer is kept.
type RTCServer struct {
	ln          net.Listener
	srv         *http.Server
	signals     *signaling.Server
	stunServers []string
	h           Handler

	mu      sync.Mutex
	current *rtcChannel
}

// ListenRTC binds addr. Frames from every accepted peer go to h.
func ListenRTC(addr string, stunServers []string, h Handler) (*RTCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &RTCServer{
		ln:          ln,
		signals:     signaling.NewServer(),
		stunServers: stunServers,
		h:           h,
	}
	mux := http.NewServeMux()
	mux.Handle(SignalPath, s.signals)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Addr returns the bound address.
func (s *RTCServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts peers until ctx is cancelled or Close is called.
// Negotiation runs one peer at a time.
func (s *RTCServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.srv.Serve(s.ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
		s.signals.Close()
	}()

	for {
		ws, err := s.signals.Accept(ctx)
		if err != nil {
			s.srv.Close()
			if srvErr := <-errCh; srvErr != nil {
				return srvErr
			}
			if errors.Is(err, signaling.ErrServerClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.negotiate(ctx, ws)
	}
}

func (s *RTCServer) negotiate(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	c, err := newRTCChannel(ctx, s.stunServers, s.h)
	if err != nil {
		util.LogError("failed to create WebRTC channel: %v", err)
		return
	}

	offerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := signaling.Offer(offerCtx, ws, c); err != nil {
		util.LogWarning("signaling with %s failed: %v", ws.RemoteAddr(), err)
		c.Close()
		return
	}
	util.LogInfo("peer connected from %s on %s", ws.RemoteAddr(), s.ln.Addr())

	s.mu.Lock()
	prev := s.current
	s.current = c
	s.mu.Unlock()

	if prev != nil {
		util.LogDebug("transport: replacing previous peer on %s", s.ln.Addr())
		prev.Close()
	}
}

// Close stops accepting and closes the current peer.
func (s *RTCServer) Close() error {
	s.signals.Close()
	err := s.srv.Close()

	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		cur.Close()
	}
	return err
}
