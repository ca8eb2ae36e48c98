package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tether/internal/discovery"
	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/util"
)

// WSPath is the HTTP path the websocket channel is served on.
const WSPath = "/tether"

const closeGrace = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// endpoint joins a device address and a channel number.
func endpoint(dev discovery.Device, port protocol.Port) string {
	return net.JoinHostPort(dev.Addr, strconv.Itoa(int(port)))
}

// ---------------------------------------------------------------------------
// Channel
// ---------------------------------------------------------------------------

// wsChannel carries one frame per binary websocket message.
type wsChannel struct {
	conn *websocket.Conn
	h    Handler

	writeMu sync.Mutex
	closed  atomic.Bool
	endOnce sync.Once
	done    chan struct{}
}

func newWSChannel(conn *websocket.Conn, h Handler) *wsChannel {
	conn.SetReadLimit(protocol.HeaderSize + protocol.MaxPayloadSize)
	return &wsChannel{conn: conn, h: h, done: make(chan struct{})}
}

func (c *wsChannel) start() { go c.readLoop() }

func (c *wsChannel) readLoop() {
	for {
		typ, r, err := c.conn.NextReader()
		if err != nil {
			c.end(err)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		f, err := protocol.ReadFrame(r, c.h.Admit)
		if errors.Is(err, protocol.ErrUnknownFrameType) {
			util.LogDebug("transport: skipped frame: %v", err)
			continue
		}
		if err != nil {
			c.end(fmt.Errorf("transport: malformed frame: %w", err))
			c.conn.Close()
			return
		}

		util.Stats.AddRecv(protocol.HeaderSize + len(f.Payload))
		c.h.HandleFrame(f)
	}
}

func (c *wsChannel) end(err error) {
	c.endOnce.Do(func() {
		close(c.done)
		if c.closed.Load() {
			err = nil
		}
		c.h.HandleEnd(err)
	})
}

func (c *wsChannel) Send(ctx context.Context, f protocol.Frame) error {
	if err := protocol.CheckSize(f); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)

	data := protocol.Encode(f)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("transport: write %s frame: %w", f.Type, err)
	}
	util.Stats.AddSent(len(data))
	return nil
}

func (c *wsChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	// WriteControl may run concurrently with a blocked WriteMessage.
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	err := c.conn.Close()
	c.end(nil)
	return err
}

// ---------------------------------------------------------------------------
// Dialer
// ---------------------------------------------------------------------------

// WSDialer dials websocket channels at ws://<addr>:<port>/tether.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, dev discovery.Device, port protocol.Port, h Handler) (Channel, error) {
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}

	url := "ws://" + endpoint(dev, port) + WSPath
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, url, err)
	}

	c := newWSChannel(conn, h)
	c.start()
	return c, nil
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// WSServer accepts websocket channels on one address. Only the most recent
// peer is kept: a new connection replaces and closes the previous one.
type WSServer struct {
	ln  net.Listener
	srv *http.Server
	h   Handler

	mu      sync.Mutex
	current *wsChannel
}

// ListenWS binds addr. Frames from every accepted peer go to h.
func ListenWS(addr string, h Handler) (*WSServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &WSServer{ln: ln, h: h}
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, s.handleWS)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Addr returns the bound address.
func (s *WSServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *WSServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting and closes the current peer.
func (s *WSServer) Close() error {
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

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	util.LogInfo("peer connected from %s on %s", r.RemoteAddr, s.ln.Addr())

	c := newWSChannel(conn, s.h)

	s.mu.Lock()
	prev := s.current
	s.current = c
	s.mu.Unlock()

	if prev != nil {
		util.LogDebug("transport: replacing previous peer on %s", s.ln.Addr())
		prev.Close()
	}
	c.start()
}
