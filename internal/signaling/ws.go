package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrServerClosed is returned by Accept after Close.
var ErrServerClosed = errors.New("signaling: server closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is an http.Handler that upgrades signaling requests and hands the
// resulting websockets to Accept, one at a time.
type Server struct {
	connCh    chan *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewServer creates a signaling server.
func NewServer() *Server {
	return &Server{
		connCh: make(chan *websocket.Conn),
		closed: make(chan struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case s.connCh <- conn:
	case <-s.closed:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closed"))
		conn.Close()
	}
}

// Accept blocks until a client connects, ctx is cancelled, or the server
// is closed.
func (s *Server) Accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-s.closed:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close makes Accept return and turns away pending clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Connect dials the given WebSocket URL and returns the connection.
func Connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}
