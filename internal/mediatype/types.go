// Package mediatype defines the value types shared across the cache engine:
// quality tiers, content kinds, artifact keys, priorities, and network
// snapshots. It has no dependencies and no behavior beyond simple derivation.
package mediatype

import (
	"fmt"
	"path"
	"strings"
)

// Tier is a discrete fetch-quality level corresponding to a distinct remote
// variant of the same artifact.
type Tier int

// Quality tiers, ordered from most to least conservative.
const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// TierLowest and TierHighest bound the tier range.
const (
	TierLowest  = TierLow
	TierHighest = TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier converts a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "low":
		return TierLow, nil
	case "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	default:
		return TierLow, fmt.Errorf("unknown quality tier %q", s)
	}
}

// Lower returns the next tier down, clamped at TierLowest.
func (t Tier) Lower() Tier {
	if t <= TierLowest {
		return TierLowest
	}
	return t - 1
}

// Higher returns the next tier up, clamped at TierHighest.
func (t Tier) Higher() Tier {
	if t >= TierHighest {
		return TierHighest
	}
	return t + 1
}

// Min returns the more conservative of two tiers.
func (t Tier) Min(other Tier) Tier {
	if other < t {
		return other
	}
	return t
}

// Kind classifies an artifact's content.
type Kind int

// Content kinds.
const (
	KindDocument Kind = iota
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindImage:
		return "image"
	case KindDocument:
		return "document"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var kindByExt = map[string]Kind{
	".mp4":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
	".m4v":  KindVideo,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".svg":  KindImage,
}

// KindFromPath derives the content kind from the remote path's extension.
// Unrecognized extensions are treated as documents.
func KindFromPath(p string) Kind {
	if k, ok := kindByExt[strings.ToLower(path.Ext(p))]; ok {
		return k
	}
	return KindDocument
}

// DeviceClass is a coarse device performance tier, supplied by an external
// classifier. Absent a classifier, callers should assume DeviceMedium.
type DeviceClass int

// Device classes.
const (
	DeviceLow DeviceClass = iota
	DeviceMedium
	DeviceHigh
)

func (d DeviceClass) String() string {
	switch d {
	case DeviceLow:
		return "low"
	case DeviceMedium:
		return "medium"
	case DeviceHigh:
		return "high"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDeviceClass converts a device class name to a DeviceClass.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToLower(s) {
	case "low":
		return DeviceLow, nil
	case "medium", "":
		return DeviceMedium, nil
	case "high":
		return DeviceHigh, nil
	default:
		return DeviceMedium, fmt.Errorf("unknown device class %q", s)
	}
}

// Priority orders download tasks within the queued pool. Higher priorities
// dispatch first; within a priority, earliest-enqueued first.
type Priority int

// Task priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Key identifies one (remote path, quality tier) pair. Two keys are equal
// iff the same remote bytes would be fetched.
type Key struct {
	Path string
	Tier Tier
}

// NewKey builds the artifact key for a remote path at a tier.
func NewKey(path string, tier Tier) Key {
	return Key{Path: path, Tier: tier}
}

func (k Key) String() string {
	return k.Path + "@" + k.Tier.String()
}

// Kind derives the content kind from the key's path.
func (k Key) Kind() Kind {
	return KindFromPath(k.Path)
}
