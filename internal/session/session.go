// Package session keeps one typed message channel to a receiver alive.
//
// A Session follows the devices announced on its channel number. It dials
// the first device that attaches, retries at a fixed interval until the
// dial succeeds, reconnects immediately when an established channel ends,
// and drops everything when its device detaches. All state transitions
// happen on one goroutine; dial results, retry timers, channel ends and
// discovery events are posted to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/tether/internal/discovery"
	"github.com/1ureka/tether/internal/metrics"
	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/transport"
	"github.com/1ureka/tether/internal/util"
)

// DefaultRetryDelay is the fixed interval between failed dials.
const DefaultRetryDelay = time.Second

var (
	// ErrNotConnected is returned by Send outside the Connected phase.
	ErrNotConnected = errors.New("session: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Phase is the coarse state of a session.
type Phase int

const (
	WaitingForDevice Phase = iota
	Connecting
	Connected
)

func (p Phase) String() string {
	switch p {
	case WaitingForDevice:
		return "waiting"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// State is a point-in-time view of a session. Device is the zero value
// while waiting.
type State struct {
	Phase  Phase
	Device discovery.Device
}

// Option configures a Session.
type Option func(*Session)

// WithRetryDelay sets the interval between failed dials.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithConnectivityHandler registers fn to be told when the session enters
// (true) or leaves (false) the Connected phase. It runs on the session
// goroutine and must not block.
func WithConnectivityHandler(fn func(connected bool)) Option {
	return func(s *Session) { s.onConnectivity = fn }
}

// WithFrameHandler registers fn for inbound frames. It runs on the
// channel's read goroutine.
func WithFrameHandler(fn func(protocol.Frame)) Option {
	return func(s *Session) { s.onFrame = fn }
}

// WithAdmission sets which inbound frame types the channel may buffer.
// The default admits every known type.
func WithAdmission(admit func(protocol.Header) bool) Option {
	return func(s *Session) { s.admit = admit }
}

// Session is one reconnecting channel for one role.
type Session struct {
	name   string
	port   protocol.Port
	source discovery.Source
	dialer transport.Dialer

	retryDelay     time.Duration
	onConnectivity func(bool)
	onFrame        func(protocol.Frame)
	admit          func(protocol.Header) bool

	events      chan event
	stopping    chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	unsubscribe func()

	lifeMu  sync.Mutex
	started bool
	closed  bool

	postMu sync.Mutex
	exited bool

	// Mirror of the loop's state for State and Send.
	mu     sync.Mutex
	state  State
	active transport.Channel

	// Owned by the loop goroutine.
	ctx     context.Context
	attempt *attempt
	conn    *conn
}

// New creates a session named name (used in logs and metrics) that follows
// devices on port. It does nothing until Start.
func New(name string, port protocol.Port, source discovery.Source, dialer transport.Dialer, opts ...Option) *Session {
	s := &Session{
		name:       name,
		port:       port,
		source:     source,
		dialer:     dialer,
		retryDelay: DefaultRetryDelay,
		admit:      protocol.AdmitKnown,
		events:     make(chan event, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the session's name.
func (s *Session) Name() string { return s.name }

// Start subscribes to discovery and starts the session goroutine. The
// session stops when ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return fmt.Errorf("session %s already started", s.name)
	}
	s.started = true

	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.loop()

	s.unsubscribe = s.source.Subscribe(s.port, func(ev discovery.Event) {
		switch ev.Kind {
		case discovery.Attached:
			s.post(attachEvent{dev: ev.Device})
		case discovery.Detached:
			s.post(detachEvent{dev: ev.Device})
		}
	})
	return nil
}

// Close stops the session, closing any channel and cancelling any attempt.
// It blocks until the session goroutine has exited.
func (s *Session) Close() error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.lifeMu.Unlock()

	if !started {
		return nil
	}
	s.unsubscribe()
	s.cancel()
	<-s.done
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is in the Connected phase.
func (s *Session) Connected() bool {
	return s.State().Phase == Connected
}

// Send writes one frame on the current channel and waits for the result.
// Outside the Connected phase it fails with ErrNotConnected at once;
// nothing is queued and nothing is retried.
func (s *Session) Send(ctx context.Context, typ protocol.Type, payload []byte) error {
	s.lifeMu.Lock()
	closed := s.closed
	s.lifeMu.Unlock()
	if closed {
		return ErrClosed
	}

	s.mu.Lock()
	ch := s.active
	s.mu.Unlock()

	if ch == nil {
		return ErrNotConnected
	}

	err := ch.Send(ctx, protocol.Frame{Type: typ, Tag: protocol.NoTag, Payload: payload})
	if errors.Is(err, transport.ErrClosed) {
		return ErrNotConnected
	}
	return err
}

// SendAsync is Send without the wait. When the session is not connected it
// returns ErrNotConnected and done is never called; otherwise done is
// called exactly once, from another goroutine, with the send result.
func (s *Session) SendAsync(typ protocol.Type, payload []byte, done func(error)) error {
	s.mu.Lock()
	connected := s.active != nil
	s.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	go func() {
		err := s.Send(context.Background(), typ, payload)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

type event interface{}

type attachEvent struct{ dev discovery.Device }

type detachEvent struct{ dev discovery.Device }

type dialResult struct {
	at  *attempt
	c   *conn
	ch  transport.Channel
	err error
}

type retryEvent struct{ at *attempt }

type endEvent struct {
	c   *conn
	err error
}

// post hands ev to the loop. It reports false once the loop has exited,
// in which case ev was not delivered.
func (s *Session) post(ev event) bool {
	s.postMu.Lock()
	defer s.postMu.Unlock()

	if s.exited {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stopping:
		return false
	}
}

// attempt is one Connecting episode for one device: the dial in flight or
// the retry timer pending. The loop drops an attempt by replacing
// s.attempt, after which its late results are ignored.
type attempt struct {
	dev    discovery.Device
	cancel context.CancelFunc
	timer  *time.Timer
}

func (a *attempt) stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.timer != nil {
		a.timer.Stop()
	}
}

// conn is the transport.Handler for one dial. It forwards frames straight
// to the frame handler and reports the end of the channel to the loop.
type conn struct {
	s    *Session
	dev  discovery.Device
	ch   transport.Channel
	dead atomic.Bool

	// Set by the loop when the channel ended before its dial result was
	// processed.
	ended bool
}

func (c *conn) Admit(h protocol.Header) bool { return c.s.admit(h) }

func (c *conn) HandleFrame(f protocol.Frame) {
	if c.dead.Load() || c.s.onFrame == nil {
		return
	}
	c.s.onFrame(f)
}

func (c *conn) HandleEnd(err error) {
	// A dead conn was closed by the loop itself.
	if c.dead.Load() {
		return
	}
	c.s.post(endEvent{c: c, err: err})
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

func (s *Session) loop() {
	defer s.exit()

	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return

		case ev := <-s.events:
			switch ev := ev.(type) {
			case attachEvent:
				s.handleAttach(ev)
			case detachEvent:
				s.handleDetach(ev)
			case dialResult:
				s.handleDialResult(ev)
			case retryEvent:
				s.handleRetry(ev)
			case endEvent:
				s.handleEnd(ev)
			}
		}
	}
}

// exit stops accepting events and releases channels from dials that
// completed after the session stopped.
func (s *Session) exit() {
	close(s.stopping)

	s.postMu.Lock()
	s.exited = true
	s.postMu.Unlock()

	for {
		select {
		case ev := <-s.events:
			if r, ok := ev.(dialResult); ok && r.ch != nil {
				r.c.dead.Store(true)
				r.ch.Close()
			}
		default:
			close(s.done)
			return
		}
	}
}

func (s *Session) handleAttach(ev attachEvent) {
	if s.attempt != nil || s.conn != nil {
		util.LogDebug("[%s] ignoring attach of %s: busy with %s", s.name, ev.dev, s.State().Device)
		return
	}
	util.LogInfo("[%s] device %s attached", s.name, ev.dev)
	s.connect(ev.dev)
}

func (s *Session) handleDetach(ev detachEvent) {
	switch {
	case s.attempt != nil && s.attempt.dev == ev.dev:
		s.attempt.stop()
		s.attempt = nil
		util.LogInfo("[%s] device %s detached while connecting", s.name, ev.dev)
		s.setState(WaitingForDevice, discovery.Device{}, nil)

	case s.conn != nil && s.conn.dev == ev.dev:
		s.dropConn()
		util.LogInfo("[%s] device %s detached", s.name, ev.dev)
		s.setState(WaitingForDevice, discovery.Device{}, nil)

	default:
		util.LogDebug("[%s] ignoring detach of %s", s.name, ev.dev)
	}
}

func (s *Session) handleDialResult(r dialResult) {
	if s.attempt != r.at {
		// Cancelled by a detach or superseded; the result is void.
		r.c.dead.Store(true)
		if r.ch != nil {
			r.ch.Close()
		}
		metrics.RecordConnectAttempt(s.name, "cancelled")
		return
	}
	r.at.cancel()
	r.at.cancel = nil

	if r.err == nil && r.c.ended {
		r.err = errors.New("channel ended during connect")
		r.c.dead.Store(true)
		r.ch.Close()
	}
	if r.err != nil {
		metrics.RecordConnectAttempt(s.name, "failure")
		util.LogDebug("[%s] connect to %s failed: %v; retrying in %s", s.name, r.at.dev, r.err, s.retryDelay)
		at := r.at
		at.timer = time.AfterFunc(s.retryDelay, func() { s.post(retryEvent{at: at}) })
		return
	}

	metrics.RecordConnectAttempt(s.name, "success")
	s.attempt = nil
	r.c.ch = r.ch
	s.conn = r.c
	util.LogSuccess("[%s] connected to %s", s.name, r.at.dev)
	s.setState(Connected, r.at.dev, r.ch)
}

func (s *Session) handleRetry(ev retryEvent) {
	if s.attempt != ev.at {
		return
	}
	ev.at.timer = nil
	s.dial(ev.at)
}

func (s *Session) handleEnd(ev endEvent) {
	if s.conn != ev.c {
		// Not yet Connected (the dial result is still in the queue) or
		// already torn down.
		ev.c.ended = true
		return
	}

	dev := ev.c.dev
	s.dropConn()
	if ev.err != nil {
		util.LogWarning("[%s] channel to %s ended: %v; reconnecting", s.name, dev, ev.err)
	} else {
		util.LogWarning("[%s] channel to %s closed; reconnecting", s.name, dev)
	}
	s.connect(dev)
}

// connect starts a new Connecting episode for dev.
func (s *Session) connect(dev discovery.Device) {
	at := &attempt{dev: dev}
	s.attempt = at
	s.setState(Connecting, dev, nil)
	s.dial(at)
}

func (s *Session) dial(at *attempt) {
	ctx, cancel := context.WithCancel(s.ctx)
	at.cancel = cancel
	c := &conn{s: s, dev: at.dev}

	go func() {
		ch, err := s.dialer.Dial(ctx, at.dev, s.port, c)
		if err != nil && !errors.Is(err, transport.ErrConnect) {
			err = fmt.Errorf("%w: %v", transport.ErrConnect, err)
		}
		if !s.post(dialResult{at: at, c: c, ch: ch, err: err}) && ch != nil {
			c.dead.Store(true)
			ch.Close()
		}
	}()
}

// dropConn closes the current channel. The caller sets the next state.
func (s *Session) dropConn() {
	c := s.conn
	s.conn = nil
	c.dead.Store(true)
	// Clear the send path before closing so no Send races the close.
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	c.ch.Close()
}

func (s *Session) teardown() {
	if s.attempt != nil {
		s.attempt.stop()
		s.attempt = nil
	}
	if s.conn != nil {
		s.dropConn()
	}
	s.setState(WaitingForDevice, discovery.Device{}, nil)
}

// setState publishes a transition and fires the connectivity handler when
// it crosses the Connected boundary.
func (s *Session) setState(phase Phase, dev discovery.Device, ch transport.Channel) {
	s.mu.Lock()
	was := s.state.Phase == Connected
	s.state = State{Phase: phase, Device: dev}
	s.active = ch
	s.mu.Unlock()

	now := phase == Connected
	if was == now {
		return
	}
	metrics.RecordConnectivity(s.name, now)
	if s.onConnectivity != nil {
		s.onConnectivity(now)
	}
}
