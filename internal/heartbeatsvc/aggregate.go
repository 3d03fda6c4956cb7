package heartbeatsvc

import (
	"sync"
	"time"

	"github.com/0xbrayo/aw-watcher-input/internal/capturesvc"
)

// Snapshot is the immutable result of draining an Aggregate.
type Snapshot struct {
	Presses uint64
	Clicks  uint64
	DeltaX  uint64
	DeltaY  uint64
	ScrollX uint64
	ScrollY uint64

	LastActivity time.Time
}

// Data returns the snapshot counters keyed the way the reporting service
// expects them.
func (s Snapshot) Data() map[string]int64 {
	return map[string]int64{
		"presses": int64(s.Presses),
		"clicks":  int64(s.Clicks),
		"deltaX":  int64(s.DeltaX),
		"deltaY":  int64(s.DeltaY),
		"scrollX": int64(s.ScrollX),
		"scrollY": int64(s.ScrollY),
	}
}

// Aggregate accumulates input activity counters between drains. It is
// written to by the listener loop and drained by the heartbeat loop; a
// single mutex makes each apply and each drain atomic with respect to the
// other. Lock acquisition never blocks: a busy lock drops the event or
// yields a zero snapshot instead of stalling either loop.
type Aggregate struct {
	mu sync.Mutex

	presses uint64
	clicks  uint64
	deltaX  uint64
	deltaY  uint64
	scrollX uint64
	scrollY uint64

	lastActivity time.Time
}

func NewAggregate(now time.Time) *Aggregate {
	return &Aggregate{lastActivity: now}
}

// Apply classifies one capture event and folds it into the counters:
//
//   - key down increments presses
//   - button down increments clicks
//   - pointer move increments deltaX and deltaY by one each, regardless of
//     how far the pointer moved (occurrence count, not distance)
//   - wheel adds the absolute deltas to scrollX and scrollY
//
// Key/button releases and unrecognized events are ignored. Whenever a
// counter changes, lastActivity is set to now inside the same critical
// section. Apply reports false only when a countable event had to be
// dropped because the lock was busy.
func (a *Aggregate) Apply(ev capturesvc.Event, now time.Time) bool {
	switch ev.Kind {
	case capturesvc.KindKeyDown, capturesvc.KindButtonDown, capturesvc.KindPointerMove, capturesvc.KindWheel:
	default:
		return true
	}
	if !a.mu.TryLock() {
		return false
	}
	defer a.mu.Unlock()

	switch ev.Kind {
	case capturesvc.KindKeyDown:
		a.presses++
	case capturesvc.KindButtonDown:
		a.clicks++
	case capturesvc.KindPointerMove:
		a.deltaX++
		a.deltaY++
	case capturesvc.KindWheel:
		a.scrollX += absInt32(ev.DX)
		a.scrollY += absInt32(ev.DY)
	}
	a.lastActivity = now
	return true
}

// Drain atomically copies the counters into a Snapshot and resets them to
// zero. lastActivity is carried forward unchanged so idle periods keep
// reporting the most recent activity instant. If the lock is busy the drain
// is skipped and an all-zero snapshot stamped with now is returned.
func (a *Aggregate) Drain(now time.Time) Snapshot {
	if !a.mu.TryLock() {
		return Snapshot{LastActivity: now}
	}
	defer a.mu.Unlock()

	snap := Snapshot{
		Presses:      a.presses,
		Clicks:       a.clicks,
		DeltaX:       a.deltaX,
		DeltaY:       a.deltaY,
		ScrollX:      a.scrollX,
		ScrollY:      a.scrollY,
		LastActivity: a.lastActivity,
	}
	a.presses = 0
	a.clicks = 0
	a.deltaX = 0
	a.deltaY = 0
	a.scrollX = 0
	a.scrollY = 0
	return snap
}

func absInt32(v int32) uint64 {
	if v < 0 {
		return uint64(-int64(v))
	}
	return uint64(v)
}
