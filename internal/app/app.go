// Package app contains the top-level orchestration for the push and receive
// roles.
package app

import (
	"context"
	"net"
	"strconv"

	"github.com/1ureka/tether/internal/config"
	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/transport"
)

// newDialer returns the pusher-side dialer for the configured transport.
func newDialer(cfg config.Config) transport.Dialer {
	if cfg.Transport == config.TransportWebRTC {
		return transport.RTCDialer{STUNServers: cfg.STUNServers}
	}
	return transport.WSDialer{}
}

// listener is a receiver-side transport server.
type listener interface {
	Serve(ctx context.Context) error
	Close() error
}

// listen binds the configured transport on port.
func listen(cfg config.Config, port protocol.Port, h transport.Handler) (listener, error) {
	addr := net.JoinHostPort(cfg.Listen, strconv.Itoa(int(port)))
	if cfg.Transport == config.TransportWebRTC {
		srv, err := transport.ListenRTC(addr, cfg.STUNServers, h)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
	srv, err := transport.ListenWS(addr, h)
	if err != nil {
		return nil, err
	}
	return srv, nil
}
