// Package router dispatches inbound frames to typed handlers.
package router

import (
	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/transport"
	"github.com/1ureka/tether/internal/util"
)

// Router maps each known frame type to at most one handler. Register
// handlers before frames start flowing; registration is not synchronized
// with Dispatch.
type Router struct {
	onFileWrite   func(protocol.FileWriteRequest, error)
	onFileDelete  func(string, error)
	onEmptyBundle func()
	onRunCommand  func()
}

// New returns a router with no handlers.
func New() *Router {
	return &Router{}
}

// OnFileWrite registers the fileWrite handler. A payload that fails to
// decode reaches fn with a non-nil error wrapping protocol.ErrDecode.
func (r *Router) OnFileWrite(fn func(req protocol.FileWriteRequest, err error)) {
	r.onFileWrite = fn
}

// OnFileDelete registers the fileDelete handler.
func (r *Router) OnFileDelete(fn func(path string, err error)) {
	r.onFileDelete = fn
}

// OnEmptyBundle registers the emptyBundle handler.
func (r *Router) OnEmptyBundle(fn func()) {
	r.onEmptyBundle = fn
}

// OnRunCommand registers the runCommand handler.
func (r *Router) OnRunCommand(fn func()) {
	r.onRunCommand = fn
}

// Admit reports whether a frame with header h should be read at all.
// Unknown types are refused with a diagnostic.
func (r *Router) Admit(h protocol.Header) bool {
	if protocol.AdmitKnown(h) {
		return true
	}
	util.LogWarning("refusing frame of unknown type %d (%d bytes)", h.Type, h.PayloadSize)
	return false
}

// Dispatch routes f to its handler. Known types without a handler are
// dropped silently.
func (r *Router) Dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeFileWrite:
		if r.onFileWrite != nil {
			req, err := protocol.DecodeFileWrite(f.Payload)
			r.onFileWrite(req, err)
		}

	case protocol.TypeFileDelete:
		if r.onFileDelete != nil {
			path, err := protocol.DecodeFileDelete(f.Payload)
			r.onFileDelete(path, err)
		}

	case protocol.TypeEmptyBundle:
		if r.onEmptyBundle != nil {
			r.onEmptyBundle()
		}

	case protocol.TypeRunCommand:
		if r.onRunCommand != nil {
			r.onRunCommand()
		}

	default:
		util.LogDebug("dropping frame of unknown type %d", f.Type)
	}
}

// Handler adapts the router to a transport listener. name labels log lines.
func (r *Router) Handler(name string) transport.Handler {
	return &handler{r: r, name: name}
}

type handler struct {
	r    *Router
	name string
}

func (h *handler) Admit(hdr protocol.Header) bool { return h.r.Admit(hdr) }

func (h *handler) HandleFrame(f protocol.Frame) {
	util.LogDebug("[%s] received %s frame (%d bytes)", h.name, f.Type, len(f.Payload))
	h.r.Dispatch(f)
}

func (h *handler) HandleEnd(err error) {
	if err != nil {
		util.LogWarning("[%s] peer disconnected: %v", h.name, err)
		return
	}
	util.LogInfo("[%s] peer disconnected", h.name)
}
