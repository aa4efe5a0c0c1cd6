// Package netmon defines the network monitor contract the engine consumes,
// plus simple monitors for fixed assumptions and tests. The platform layer
// is expected to supply a real monitor; absent one, the engine degrades to a
// configurable default snapshot.
package netmon

import (
	"sync"
	"time"

	"github.com/meigma/mediacache/internal/mediatype"
)

// Monitor supplies network condition snapshots and publishes changes.
type Monitor interface {
	// Snapshot returns the current network conditions.
	Snapshot() mediatype.NetworkSnapshot

	// Subscribe registers fn to be called on every change. The returned
	// cancel function removes the subscription; it is safe to call more
	// than once.
	Subscribe(fn func(mediatype.NetworkSnapshot)) (cancel func())
}

// Static is a Monitor with fixed conditions that never change.
type Static struct {
	snapshot mediatype.NetworkSnapshot
}

// NewStatic creates a monitor that always reports the given class and speed.
func NewStatic(class mediatype.ConnClass, speed mediatype.SpeedTier) *Static {
	return &Static{snapshot: mediatype.NetworkSnapshot{
		Class:     class,
		Speed:     speed,
		Timestamp: time.Now(),
	}}
}

// Snapshot implements Monitor.
func (s *Static) Snapshot() mediatype.NetworkSnapshot { return s.snapshot }

// Subscribe implements Monitor. A static monitor never publishes.
func (s *Static) Subscribe(func(mediatype.NetworkSnapshot)) (cancel func()) {
	return func() {}
}

// Manual is a settable Monitor, driven by the platform layer (or a test)
// calling Set on connectivity changes.
type Manual struct {
	mu       sync.Mutex
	snapshot mediatype.NetworkSnapshot
	subs     map[int]func(mediatype.NetworkSnapshot)
	nextID   int
}

// NewManual creates a settable monitor with an initial snapshot.
func NewManual(initial mediatype.NetworkSnapshot) *Manual {
	if initial.Timestamp.IsZero() {
		initial.Timestamp = time.Now()
	}
	return &Manual{
		snapshot: initial,
		subs:     make(map[int]func(mediatype.NetworkSnapshot)),
	}
}

// Snapshot implements Monitor.
func (m *Manual) Snapshot() mediatype.NetworkSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Set publishes new network conditions to all subscribers.
func (m *Manual) Set(class mediatype.ConnClass, speed mediatype.SpeedTier) {
	snap := mediatype.NetworkSnapshot{Class: class, Speed: speed, Timestamp: time.Now()}

	m.mu.Lock()
	m.snapshot = snap
	fns := make([]func(mediatype.NetworkSnapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Subscribe implements Monitor.
func (m *Manual) Subscribe(fn func(mediatype.NetworkSnapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
