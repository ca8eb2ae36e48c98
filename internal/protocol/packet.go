// Package protocol defines the frame format and payload encodings exchanged
// between the pusher and the receiver.
package protocol

import "fmt"

// Type identifies the payload carried by a frame. Values below
// MinApplicationType are reserved for the transport.
type Type uint32

// Frame type constants. The numbering is part of the wire protocol.
const (
	TypeUnknown     Type = 0   // sentinel for anything outside the known set
	TypeFileWrite   Type = 100 // FileWriteRequest payload
	TypeFileDelete  Type = 101 // UTF-8 relative path payload
	TypeEmptyBundle Type = 102 // no payload
	TypeRunCommand  Type = 103 // no payload
)

// MinApplicationType is the first type value available to payload frames.
const MinApplicationType = 100

// NoTag is the tag used when a frame carries no correlation id.
const NoTag uint32 = 0

// ParseType maps a raw wire value onto the known type set. Anything not
// in the set yields TypeUnknown.
func ParseType(v uint32) Type {
	switch t := Type(v); t {
	case TypeFileWrite, TypeFileDelete, TypeEmptyBundle, TypeRunCommand:
		return t
	}
	return TypeUnknown
}

// Known reports whether t belongs to the known type set.
func (t Type) Known() bool {
	return ParseType(uint32(t)) != TypeUnknown
}

func (t Type) String() string {
	switch t {
	case TypeFileWrite:
		return "fileWrite"
	case TypeFileDelete:
		return "fileDelete"
	case TypeEmptyBundle:
		return "emptyBundle"
	case TypeRunCommand:
		return "runCommand"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Port is a channel number. Each logical role owns one.
type Port uint32

// Channel numbers, one per role. Kept well above the privileged range.
const (
	PortMain   Port = 2341 // file tree pushes
	PortRunner Port = 2342 // run requests
)

// HeaderSize is the fixed frame header size: Type(4) + Tag(4) + PayloadSize(4).
const HeaderSize = 12

// MaxPayloadSize bounds the declared payload size of a single frame.
const MaxPayloadSize = 64 * 1024 * 1024

// Header is the fixed-size prefix of every frame. Type holds the raw wire
// value, which may be outside the known set.
type Header struct {
	Type        Type
	Tag         uint32
	PayloadSize uint32
}

// Frame is one typed message exchanged over an established channel.
type Frame struct {
	Type    Type
	Tag     uint32
	Payload []byte
}

// Header returns the header describing f. PayloadSize is only meaningful
// for frames that pass CheckSize.
func (f Frame) Header() Header {
	return Header{Type: f.Type, Tag: f.Tag, PayloadSize: uint32(len(f.Payload))}
}

// AdmitKnown is the default admission policy: accept known types only.
func AdmitKnown(h Header) bool {
	return h.Type.Known()
}
