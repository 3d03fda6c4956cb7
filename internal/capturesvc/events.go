package capturesvc

import (
	"fmt"
	"time"
)

// EventKind identifies the semantic type of a raw input notification.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindKeyDown
	KindKeyUp
	KindButtonDown
	KindButtonUp
	KindPointerMove
	KindWheel
)

func (k EventKind) String() string {
	switch k {
	case KindKeyDown:
		return "keyDown"
	case KindKeyUp:
		return "keyUp"
	case KindButtonDown:
		return "buttonDown"
	case KindButtonUp:
		return "buttonUp"
	case KindPointerMove:
		return "pointerMove"
	case KindWheel:
		return "wheel"
	default:
		return "unknown"
	}
}

// Event is one typed input notification delivered by a capture backend.
// Time is the capture instant and becomes the activity timestamp. DX and DY
// carry the signed wheel deltas for KindWheel and the relative motion for
// KindPointerMove; they are zero for all other kinds.
type Event struct {
	Kind EventKind
	Time time.Time
	DX   int32
	DY   int32
}

// Address identifies a capture device within a backend.
type Address struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%s", a.Backend, a.ID)
}

// BackendDevice describes a device as seen by a capture backend.
type BackendDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BackendEvent is published by backends on the backend bus. Exactly one
// field is set per message.
type BackendEvent struct {
	DevicesChanged *BackendEventDevicesChanged
	Input          *InputNotification
}

type BackendEventDevicesChanged struct {
	Connected    []BackendDevice
	Disconnected []string
}

// InputNotification pairs a raw event with the device that produced it.
type InputNotification struct {
	Device string
	Event  Event
}
