package mediatype

import (
	"fmt"
	"time"
)

// ConnClass is the coarse connection class reported by the network monitor.
type ConnClass int

// Connection classes, ordered worst to best.
const (
	ConnOffline ConnClass = iota
	ConnCellular
	ConnWifi
)

func (c ConnClass) String() string {
	switch c {
	case ConnOffline:
		return "offline"
	case ConnCellular:
		return "cellular"
	case ConnWifi:
		return "wifi"
	default:
		return fmt.Sprintf("conn(%d)", int(c))
	}
}

// SpeedTier is the monitor's effective-speed estimate, where available.
type SpeedTier int

// Speed tiers. SpeedUnknown means the monitor could not estimate throughput.
const (
	SpeedUnknown SpeedTier = iota
	SpeedPoor
	SpeedModerate
	SpeedFast
)

func (s SpeedTier) String() string {
	switch s {
	case SpeedUnknown:
		return "unknown"
	case SpeedPoor:
		return "poor"
	case SpeedModerate:
		return "moderate"
	case SpeedFast:
		return "fast"
	default:
		return fmt.Sprintf("speed(%d)", int(s))
	}
}

// NetworkSnapshot is an immutable view of network conditions, published by
// the monitor on change. The engine never mutates a snapshot.
type NetworkSnapshot struct {
	Class     ConnClass
	Speed     SpeedTier
	Timestamp time.Time
}

// Online reports whether any connectivity exists.
func (n NetworkSnapshot) Online() bool {
	return n.Class != ConnOffline
}

// AtLeastGood reports whether the connection is good enough to honor an
// explicit high-quality preference: wifi not known to be slow, or any fast
// link.
func (n NetworkSnapshot) AtLeastGood() bool {
	if !n.Online() || n.Speed == SpeedPoor {
		return false
	}
	return n.Class == ConnWifi || n.Speed == SpeedFast
}

// Best reports whether this is the best observable network class: wifi that
// is not known to be slow.
func (n NetworkSnapshot) Best() bool {
	return n.Class == ConnWifi && n.Speed != SpeedPoor
}
