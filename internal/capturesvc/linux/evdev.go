package linux

import (
	"encoding/binary"

	"github.com/0xbrayo/aw-watcher-input/internal/capturesvc"
)

// Linux input event types and codes (linux/input-event-codes.h).
const (
	evSyn uint16 = 0x00
	evKey uint16 = 0x01
	evRel uint16 = 0x02

	synReport uint16 = 0x00

	relX           uint16 = 0x00
	relY           uint16 = 0x01
	relHWheel      uint16 = 0x06
	relWheel       uint16 = 0x08
	relWheelHiRes  uint16 = 0x0b
	relHWheelHiRes uint16 = 0x0c

	btnMisc   uint16 = 0x100
	btnGearUp uint16 = 0x151
	keyDown   int32  = 1
	keyUp     int32  = 0
	keyRepeat int32  = 2
)

// rawEvent is one struct input_event with the timestamp stripped.
type rawEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// eventSize is sizeof(struct input_event) on 64-bit platforms: a 16-byte
// timeval followed by type, code and value.
const eventSize = 24

// decodeEvents parses a buffer of raw struct input_event records. Trailing
// partial records are discarded.
func decodeEvents(buf []byte) []rawEvent {
	n := len(buf) / eventSize
	events := make([]rawEvent, 0, n)
	for i := 0; i < n; i++ {
		rec := buf[i*eventSize:]
		events = append(events, rawEvent{
			Type:  binary.LittleEndian.Uint16(rec[16:]),
			Code:  binary.LittleEndian.Uint16(rec[18:]),
			Value: int32(binary.LittleEndian.Uint32(rec[20:])),
		})
	}
	return events
}

// frameAssembler folds raw evdev events into capture events. The kernel
// groups related events into frames terminated by SYN_REPORT; relative
// motion within one frame becomes a single pointer-move notification, which
// keeps move counting per-notification rather than per-axis.
type frameAssembler struct {
	dx, dy int32
	moved  bool

	wheelX, wheelY int32
	scrolled       bool
}

// Push consumes one raw event and returns the capture events completed by
// it, if any. Key and button transitions are emitted immediately; motion and
// wheel deltas are held until the frame's SYN_REPORT.
func (f *frameAssembler) Push(ev rawEvent) []capturesvc.Event {
	switch ev.Type {
	case evKey:
		kind := classifyKey(ev.Code, ev.Value)
		if kind == capturesvc.KindUnknown {
			return nil
		}
		return []capturesvc.Event{{Kind: kind}}
	case evRel:
		switch ev.Code {
		case relX:
			f.dx += ev.Value
			f.moved = true
		case relY:
			f.dy += ev.Value
			f.moved = true
		case relWheel:
			f.wheelY += ev.Value
			f.scrolled = true
		case relHWheel:
			f.wheelX += ev.Value
			f.scrolled = true
		}
		// Hi-res wheel events duplicate REL_WHEEL/REL_HWHEEL, skip them.
		return nil
	case evSyn:
		if ev.Code != synReport {
			return nil
		}
		var out []capturesvc.Event
		if f.moved {
			out = append(out, capturesvc.Event{Kind: capturesvc.KindPointerMove, DX: f.dx, DY: f.dy})
		}
		if f.scrolled {
			out = append(out, capturesvc.Event{Kind: capturesvc.KindWheel, DX: f.wheelX, DY: f.wheelY})
		}
		*f = frameAssembler{}
		return out
	}
	return nil
}

func classifyKey(code uint16, value int32) capturesvc.EventKind {
	if value == keyRepeat {
		// Auto-repeat is not a new physical press.
		return capturesvc.KindUnknown
	}
	button := code >= btnMisc && code <= btnGearUp
	switch {
	case button && value == keyDown:
		return capturesvc.KindButtonDown
	case button && value == keyUp:
		return capturesvc.KindButtonUp
	case value == keyDown:
		return capturesvc.KindKeyDown
	case value == keyUp:
		return capturesvc.KindKeyUp
	}
	return capturesvc.KindUnknown
}
