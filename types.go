package mediacache

import "github.com/meigma/mediacache/internal/mediatype"

// --- Re-exports from internal/mediatype ---

// Tier is a discrete fetch-quality level corresponding to a distinct remote
// variant.
type Tier = mediatype.Tier

// Kind classifies an artifact's content.
type Kind = mediatype.Kind

// DeviceClass is a coarse device performance tier.
type DeviceClass = mediatype.DeviceClass

// Priority orders download tasks within the queued pool.
type Priority = mediatype.Priority

// Key identifies one (remote path, quality tier) pair.
type Key = mediatype.Key

// NetworkSnapshot is an immutable view of network conditions.
type NetworkSnapshot = mediatype.NetworkSnapshot

// ConnClass is the coarse connection class.
type ConnClass = mediatype.ConnClass

// SpeedTier is the monitor's effective-speed estimate.
type SpeedTier = mediatype.SpeedTier

// Quality tiers.
const (
	TierLow    = mediatype.TierLow
	TierMedium = mediatype.TierMedium
	TierHigh   = mediatype.TierHigh
)

// Content kinds.
const (
	KindDocument = mediatype.KindDocument
	KindImage    = mediatype.KindImage
	KindVideo    = mediatype.KindVideo
)

// Device classes.
const (
	DeviceLow    = mediatype.DeviceLow
	DeviceMedium = mediatype.DeviceMedium
	DeviceHigh   = mediatype.DeviceHigh
)

// Task priorities.
const (
	PriorityLow    = mediatype.PriorityLow
	PriorityNormal = mediatype.PriorityNormal
	PriorityHigh   = mediatype.PriorityHigh
)

// Connection classes.
const (
	ConnOffline  = mediatype.ConnOffline
	ConnCellular = mediatype.ConnCellular
	ConnWifi     = mediatype.ConnWifi
)

// Speed tiers.
const (
	SpeedUnknown  = mediatype.SpeedUnknown
	SpeedPoor     = mediatype.SpeedPoor
	SpeedModerate = mediatype.SpeedModerate
	SpeedFast     = mediatype.SpeedFast
)

// NewKey builds the artifact key for a remote path at a tier.
var NewKey = mediatype.NewKey

// KindFromPath derives the content kind from a remote path's extension.
var KindFromPath = mediatype.KindFromPath

// ParseTier converts a tier name to a Tier.
var ParseTier = mediatype.ParseTier
