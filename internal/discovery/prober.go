package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/util"
)

// DefaultProbeInterval is how often a Prober checks reachability.
const DefaultProbeInterval = time.Second

// Prober turns TCP reachability of addr:port into attach and detach events
// on a Hub. It stands in for platform device notifications: a receiver
// that starts listening "attaches", one that stops "detaches".
type Prober struct {
	hub      *Hub
	addr     string
	ports    []protocol.Port
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a Prober for the receiver at addr. A non-positive
// interval selects DefaultProbeInterval.
func NewProber(hub *Hub, addr string, ports []protocol.Port, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		hub:      hub,
		addr:     addr,
		ports:    ports,
		interval: interval,
		timeout:  interval,
	}
}

// Run probes until ctx is cancelled. Devices still attached when Run
// returns are detached.
func (p *Prober) Run(ctx context.Context) error {
	attached := make(map[protocol.Port]Device)
	defer func() {
		for port, d := range attached {
			p.hub.Detach(port, d)
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		for _, port := range p.ports {
			up := p.reachable(ctx, port)
			d, was := attached[port]
			switch {
			case up && !was:
				d = NewDevice(p.addr)
				attached[port] = d
				util.LogDebug("discovery: %s attached on %d", d, port)
				p.hub.Attach(port, d)
			case !up && was:
				delete(attached, port)
				util.LogDebug("discovery: %s detached from %d", d, port)
				p.hub.Detach(port, d)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Prober) reachable(ctx context.Context, port protocol.Port) bool {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.addr, strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
