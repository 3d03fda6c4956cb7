package linux

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xbrayo/aw-watcher-input/internal/capturesvc"
)

func encodeEvent(typ, code uint16, value int32) []byte {
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint16(buf[16:], typ)
	binary.LittleEndian.PutUint16(buf[18:], code)
	binary.LittleEndian.PutUint32(buf[20:], uint32(value))
	return buf
}

func TestDecodeEvents(t *testing.T) {
	var buf []byte
	buf = append(buf, encodeEvent(evKey, 30, keyDown)...)
	buf = append(buf, encodeEvent(evRel, relY, -12)...)
	buf = append(buf, encodeEvent(evSyn, synReport, 0)...)
	// Trailing partial record is discarded.
	buf = append(buf, 0xff, 0xff, 0xff)

	events := decodeEvents(buf)
	require.Len(t, events, 3)
	assert.Equal(t, rawEvent{Type: evKey, Code: 30, Value: 1}, events[0])
	assert.Equal(t, rawEvent{Type: evRel, Code: relY, Value: -12}, events[1])
	assert.Equal(t, rawEvent{Type: evSyn, Code: synReport, Value: 0}, events[2])
}

func TestFrameAssemblerMotionFrame(t *testing.T) {
	var f frameAssembler

	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relX, Value: 5}))
	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relY, Value: -3}))
	events := f.Push(rawEvent{Type: evSyn, Code: synReport})

	require.Len(t, events, 1, "one frame of motion is one pointer-move notification")
	assert.Equal(t, capturesvc.KindPointerMove, events[0].Kind)
	assert.Equal(t, int32(5), events[0].DX)
	assert.Equal(t, int32(-3), events[0].DY)

	assert.Empty(t, f.Push(rawEvent{Type: evSyn, Code: synReport}), "an empty frame emits nothing")
}

func TestFrameAssemblerWheelFrame(t *testing.T) {
	var f frameAssembler

	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relWheel, Value: -1}))
	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relHWheel, Value: 2}))
	events := f.Push(rawEvent{Type: evSyn, Code: synReport})

	require.Len(t, events, 1)
	assert.Equal(t, capturesvc.KindWheel, events[0].Kind)
	assert.Equal(t, int32(2), events[0].DX)
	assert.Equal(t, int32(-1), events[0].DY)
}

func TestFrameAssemblerHiResWheelIgnored(t *testing.T) {
	var f frameAssembler

	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relWheelHiRes, Value: 120}))
	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relHWheelHiRes, Value: -120}))
	assert.Empty(t, f.Push(rawEvent{Type: evSyn, Code: synReport}))
}

func TestFrameAssemblerKeysAndButtons(t *testing.T) {
	var f frameAssembler

	events := f.Push(rawEvent{Type: evKey, Code: 30, Value: keyDown}) // KEY_A
	require.Len(t, events, 1)
	assert.Equal(t, capturesvc.KindKeyDown, events[0].Kind)

	events = f.Push(rawEvent{Type: evKey, Code: 30, Value: keyUp})
	require.Len(t, events, 1)
	assert.Equal(t, capturesvc.KindKeyUp, events[0].Kind)

	events = f.Push(rawEvent{Type: evKey, Code: 0x110, Value: keyDown}) // BTN_LEFT
	require.Len(t, events, 1)
	assert.Equal(t, capturesvc.KindButtonDown, events[0].Kind)

	events = f.Push(rawEvent{Type: evKey, Code: 0x110, Value: keyUp})
	require.Len(t, events, 1)
	assert.Equal(t, capturesvc.KindButtonUp, events[0].Kind)

	assert.Empty(t, f.Push(rawEvent{Type: evKey, Code: 30, Value: keyRepeat}), "auto-repeat is not a press")
}

func TestFrameAssemblerMixedFrame(t *testing.T) {
	var f frameAssembler

	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relX, Value: 1}))
	assert.Empty(t, f.Push(rawEvent{Type: evRel, Code: relWheel, Value: 3}))
	events := f.Push(rawEvent{Type: evSyn, Code: synReport})

	require.Len(t, events, 2)
	assert.Equal(t, capturesvc.KindPointerMove, events[0].Kind)
	assert.Equal(t, capturesvc.KindWheel, events[1].Kind)
	assert.Equal(t, int32(3), events[1].DY)
}
