// Package quality chooses the fetch-quality tier for an artifact. Selection
// is a pure function of device class, network conditions, performance
// history, and an explicit user preference; it keeps no state.
package quality

import (
	"time"

	"github.com/meigma/mediacache/internal/mediatype"
	"github.com/meigma/mediacache/perf"
)

// Preference is the user's explicit quality override.
type Preference int

// Preferences. PreferenceAuto leaves the choice to the selector.
const (
	PreferenceAuto Preference = iota
	PreferenceHigh
	PreferenceDataSaver
)

// Adjustment thresholds. A path whose rolling failure rate exceeds
// downgradeFailureRate drops one tier; a path with at least upgradeMinSamples
// samples averaging under upgradeMeanLoad on the best network class gains one.
const (
	downgradeFailureRate = 0.20
	upgradeMinSamples    = 5
	upgradeMeanLoad      = 2 * time.Second
)

// deviceTiers maps device class and content kind to the tier the device can
// comfortably render. Documents are cheap at any tier.
var deviceTiers = map[mediatype.DeviceClass]map[mediatype.Kind]mediatype.Tier{
	mediatype.DeviceLow: {
		mediatype.KindVideo:    mediatype.TierLow,
		mediatype.KindImage:    mediatype.TierMedium,
		mediatype.KindDocument: mediatype.TierMedium,
	},
	mediatype.DeviceMedium: {
		mediatype.KindVideo:    mediatype.TierMedium,
		mediatype.KindImage:    mediatype.TierMedium,
		mediatype.KindDocument: mediatype.TierHigh,
	},
	mediatype.DeviceHigh: {
		mediatype.KindVideo:    mediatype.TierHigh,
		mediatype.KindImage:    mediatype.TierHigh,
		mediatype.KindDocument: mediatype.TierHigh,
	},
}

// networkTier maps the current snapshot and content kind to the tier the
// network can comfortably deliver.
func networkTier(n mediatype.NetworkSnapshot, kind mediatype.Kind) mediatype.Tier {
	switch n.Class {
	case mediatype.ConnOffline:
		return mediatype.TierLow
	case mediatype.ConnCellular:
		if kind == mediatype.KindVideo {
			if n.Speed == mediatype.SpeedFast {
				return mediatype.TierMedium
			}
			return mediatype.TierLow
		}
		if n.Speed == mediatype.SpeedPoor {
			return mediatype.TierLow
		}
		return mediatype.TierMedium
	case mediatype.ConnWifi:
		switch n.Speed {
		case mediatype.SpeedPoor:
			return mediatype.TierLow
		case mediatype.SpeedModerate:
			return mediatype.TierMedium
		default:
			// Fast, or unknown: wifi is assumed capable until proven otherwise.
			return mediatype.TierHigh
		}
	default:
		return mediatype.TierLow
	}
}

// DeviceTier returns the device-recommended ceiling for a kind.
func DeviceTier(device mediatype.DeviceClass, kind mediatype.Kind) mediatype.Tier {
	if tiers, ok := deviceTiers[device]; ok {
		return tiers[kind]
	}
	return deviceTiers[mediatype.DeviceMedium][kind]
}

// Select chooses the quality tier for one artifact.
//
// The baseline is the more conservative of the device-recommended and
// network-recommended tiers. Performance history then nudges the result:
// a failure-prone path drops one tier, a consistently fast path on the best
// network gains one (never above the device ceiling). An explicit user
// preference is applied last and wins over everything computed before it.
func Select(kind mediatype.Kind, network mediatype.NetworkSnapshot, device mediatype.DeviceClass, stats perf.Stats, pref Preference) mediatype.Tier {
	ceiling := DeviceTier(device, kind)
	tier := ceiling.Min(networkTier(network, kind))

	if stats.Samples > 0 && stats.FailureRate > downgradeFailureRate {
		tier = tier.Lower()
	} else if stats.Samples >= upgradeMinSamples && stats.MeanLoad > 0 && stats.MeanLoad < upgradeMeanLoad && network.Best() {
		tier = tier.Higher().Min(ceiling)
	}

	switch pref {
	case PreferenceHigh:
		if network.AtLeastGood() {
			tier = ceiling
		}
	case PreferenceDataSaver:
		tier = mediatype.TierLowest
	}
	return tier
}
