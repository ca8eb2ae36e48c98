// Package discovery announces which receiver devices are reachable on
// which channel number.
//
// A Device's identity is minted fresh on every attach. Two attachments of
// the same address are therefore never confused with each other, which
// lets a session tell a stale detach from a current one.
package discovery

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/tether/internal/protocol"
)

// Device is one attachment of a receiver.
type Device struct {
	ID   uuid.UUID
	Addr string // host or host:port of the receiver, without the channel port
}

// NewDevice returns a Device for addr with a fresh identity.
func NewDevice(addr string) Device {
	return Device{ID: uuid.New(), Addr: addr}
}

func (d Device) String() string {
	return fmt.Sprintf("%s(%s)", d.Addr, d.ID.String()[:8])
}

// Kind is the kind of a discovery event.
type Kind int

const (
	Attached Kind = iota
	Detached
)

func (k Kind) String() string {
	switch k {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Event reports a device attaching to or detaching from a channel number.
type Event struct {
	Kind   Kind
	Port   protocol.Port
	Device Device
}

// Source is what a session subscribes to. The returned function cancels
// the subscription; no callback runs after it returns.
type Source interface {
	Subscribe(port protocol.Port, fn func(Event)) (cancel func())
}

// Hub fans discovery events out to subscribers of the event's port.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	port protocol.Port
	fn   func(Event)
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

// Subscribe implements Source.
func (h *Hub) Subscribe(port protocol.Port, fn func(Event)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscription{port: port, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber of ev.Port. Callbacks run on the
// caller's goroutine, outside the hub lock.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, s := range h.subs {
		if s.port == ev.Port {
			fns = append(fns, s.fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Attach publishes an Attached event.
func (h *Hub) Attach(port protocol.Port, d Device) {
	h.Publish(Event{Kind: Attached, Port: port, Device: d})
}

// Detach publishes a Detached event.
func (h *Hub) Detach(port protocol.Port, d Device) {
	h.Publish(Event{Kind: Detached, Port: port, Device: d})
}
