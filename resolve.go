package mediacache

import (
	"context"
	"fmt"

	"github.com/meigma/mediacache/download"
	"github.com/meigma/mediacache/internal/mediatype"
	"github.com/meigma/mediacache/quality"
)

// Preference is the user's explicit quality override.
type Preference = quality.Preference

// Preferences.
const (
	PreferenceAuto      = quality.PreferenceAuto
	PreferenceHigh      = quality.PreferenceHigh
	PreferenceDataSaver = quality.PreferenceDataSaver
)

// Source reports where a resolution's bytes come from.
type Source string

// Resolution sources.
const (
	SourceCache      Source = "cache"
	SourceDownloaded Source = "downloaded"
	SourceStream     Source = "stream-passthrough"
)

// Resolution is the result of resolving one artifact path.
type Resolution struct {
	// Location is a local file path for cache/downloaded sources, or a
	// direct remote URL for stream-passthrough.
	Location string

	Source Source
	Tier   Tier
	Cached bool

	// Download is the background task handle when Source is
	// stream-passthrough; callers may subscribe to its progress or await
	// offline availability. Nil otherwise.
	Download *download.Handle
}

type resolveConfig struct {
	pref        Preference
	priority    *Priority
	progressive bool
}

// ResolveOption configures one Resolve call.
type ResolveOption func(*resolveConfig)

// WithPreference applies the user's explicit quality preference.
func WithPreference(p Preference) ResolveOption {
	return func(c *resolveConfig) { c.pref = p }
}

// WithPriority overrides the download priority. Synchronous fetches default
// to high, background fetches to normal.
func WithPriority(p Priority) ResolveOption {
	return func(c *resolveConfig) { c.priority = &p }
}

// WithoutProgressive disables streaming-first for this call: large artifacts
// download synchronously like small ones.
func WithoutProgressive() ResolveOption {
	return func(c *resolveConfig) { c.progressive = false }
}

// Resolve delivers a usable location for the artifact at path.
//
// A valid cache hit at the selected tier returns immediately. On a miss,
// small artifacts download synchronously; large artifacts return a direct
// streaming URL while a background download runs for offline availability.
// Resolve almost never fails: a terminal download failure degrades to any
// cached variant of the path before an error reaches the caller.
func (e *Engine) Resolve(ctx context.Context, path string, opts ...ResolveOption) (Resolution, error) {
	cfg := resolveConfig{progressive: e.progressive}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	kind := mediatype.KindFromPath(path)
	network := e.coord.Network()
	tier := quality.Select(kind, network, e.device, e.perf.Stats(path), cfg.pref)
	key := mediatype.NewKey(path, tier)

	if ent, ok := e.store.Lookup(key); ok {
		e.log().Debug("resolve cache hit", "key", key.String())
		return Resolution{Location: ent.Location, Source: SourceCache, Tier: tier, Cached: true}, nil
	}

	res, err := e.resolveMiss(ctx, key, kind, cfg)
	if err == nil {
		return res, nil
	}
	// Last resort before surfacing an error: any cached variant of the path
	// at any tier.
	if fb, ok := e.anyCachedVariant(path); ok {
		e.log().Info("degrading to cached variant",
			"path", path, "tier", fb.Tier.String(), "error", err)
		return fb, nil
	}
	return Resolution{}, fmt.Errorf("resolve %s: %w", path, err)
}

// resolveMiss handles the cache-miss path. Identical concurrent misses are
// collapsed so the metadata probe and synchronous wait run once per key.
func (e *Engine) resolveMiss(ctx context.Context, key mediatype.Key, kind Kind, cfg resolveConfig) (Resolution, error) {
	v, err, _ := e.flight.Do(key.String(), func() (any, error) {
		// Another caller may have populated the cache while this one waited
		// on the flight lock.
		if ent, ok := e.store.Lookup(key); ok {
			return Resolution{Location: ent.Location, Source: SourceCache, Tier: key.Tier, Cached: true}, nil
		}

		md, err := e.remote.Metadata(ctx, key.Path, key.Tier)
		if err != nil {
			return nil, err
		}

		if cfg.progressive && md.Size >= e.smallThreshold {
			return e.streamFirst(ctx, key, cfg)
		}
		return e.downloadSync(ctx, key, kind, cfg)
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

// streamFirst returns the direct remote URL for instant playback and
// enqueues a background download for future offline availability.
func (e *Engine) streamFirst(ctx context.Context, key mediatype.Key, cfg resolveConfig) (Resolution, error) {
	url, err := e.remote.DownloadURL(ctx, key.Path, key.Tier)
	if err != nil {
		return Resolution{}, err
	}
	priority := mediatype.PriorityNormal
	if cfg.priority != nil {
		priority = *cfg.priority
	}
	h, err := e.coord.Submit(key, priority)
	if err != nil {
		return Resolution{}, err
	}
	e.log().Debug("streaming passthrough", "key", key.String(), "url", url)
	return Resolution{Location: url, Source: SourceStream, Tier: key.Tier, Download: h}, nil
}

// downloadSync fetches the artifact before returning, sharing any in-flight
// task for the same key.
func (e *Engine) downloadSync(ctx context.Context, key mediatype.Key, kind Kind, cfg resolveConfig) (Resolution, error) {
	if err := e.coord.Eligible(kind); err != nil {
		return Resolution{}, err
	}
	priority := mediatype.PriorityHigh
	if cfg.priority != nil {
		priority = *cfg.priority
	}
	h, err := e.coord.Submit(key, priority)
	if err != nil {
		return Resolution{}, err
	}
	out, err := h.Wait(ctx)
	if err != nil {
		return Resolution{}, err
	}
	if out.Fallback {
		return Resolution{
			Location: out.Entry.Location,
			Source:   SourceCache,
			Tier:     out.Entry.Key.Tier,
			Cached:   true,
		}, nil
	}
	return Resolution{
		Location: out.Entry.Location,
		Source:   SourceDownloaded,
		Tier:     key.Tier,
		Cached:   true,
	}, nil
}

// anyCachedVariant scans every tier, best first, for a valid cached variant
// of path.
func (e *Engine) anyCachedVariant(path string) (Resolution, bool) {
	for tier := mediatype.TierHighest; ; tier-- {
		if ent, ok := e.store.Lookup(mediatype.NewKey(path, tier)); ok {
			return Resolution{
				Location: ent.Location,
				Source:   SourceCache,
				Tier:     tier,
				Cached:   true,
			}, true
		}
		if tier == mediatype.TierLowest {
			return Resolution{}, false
		}
	}
}

// Download enqueues a background download for path at the tier the quality
// selector chooses, without waiting. The returned handle reports progress
// and the final outcome.
func (e *Engine) Download(path string, opts ...ResolveOption) (*download.Handle, error) {
	cfg := resolveConfig{progressive: e.progressive}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	kind := mediatype.KindFromPath(path)
	tier := quality.Select(kind, e.coord.Network(), e.device, e.perf.Stats(path), cfg.pref)
	priority := mediatype.PriorityNormal
	if cfg.priority != nil {
		priority = *cfg.priority
	}
	return e.coord.Submit(mediatype.NewKey(path, tier), priority)
}
