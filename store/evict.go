package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/meigma/mediacache/internal/mediatype"
)

// Strategy is the total order used to pick eviction candidates.
type Strategy int

// Eviction strategies.
const (
	// StrategyAuto runs lru when the store is over budget, otherwise age, to
	// clear expired entries opportunistically.
	StrategyAuto Strategy = iota

	// StrategyAge removes oldest-created entries first; entries past their
	// expiry deadline or older than the configured max age are always
	// eligible, regardless of the byte target.
	StrategyAge

	// StrategySize removes largest entries first.
	StrategySize

	// StrategyLRU removes least-recently-accessed entries first.
	StrategyLRU
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyAge:
		return "age"
	case StrategySize:
		return "size"
	case StrategyLRU:
		return "lru"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a strategy name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return StrategyAuto, nil
	case "age":
		return StrategyAge, nil
	case "size":
		return StrategySize, nil
	case "lru":
		return StrategyLRU, nil
	default:
		return StrategyAuto, fmt.Errorf("unknown eviction strategy %q", s)
	}
}

// Result reports what one reclaim pass did.
type Result struct {
	// Removed is the number of entries deleted.
	Removed int

	// BytesFreed is the total backing bytes released.
	BytesFreed int64

	// Protected counts candidates skipped because an in-flight download
	// targets them.
	Protected int
}

// Reclaim removes entries until total tracked bytes is at or below
// targetBytes, or no removable candidates remain. A negative targetBytes
// disables the byte goal: only stale entries are removed, and only by the
// age strategy. Entries targeted by an in-flight download are skipped and
// counted in Result.Protected; the N most-recently-accessed unexpired
// entries are always preserved.
//
// The store mutex is held for the full scan-and-delete, so reclaim never
// races an in-flight Put or Remove.
func (s *Store) Reclaim(targetBytes int64, strategy Strategy) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimLocked(targetBytes, strategy)
}

func (s *Store) reclaimLocked(targetBytes int64, strategy Strategy) Result {
	if strategy == StrategyAuto {
		if s.budget > 0 && s.totalBytes > s.budget {
			strategy = StrategyLRU
		} else {
			strategy = StrategyAge
		}
	}

	now := s.now()
	candidates := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}

	switch strategy {
	case StrategyAge:
		sort.Slice(candidates, func(i, j int) bool {
			ei, ej := candidates[i].expired(now), candidates[j].expired(now)
			if ei != ej {
				return ei
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
	case StrategySize:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Size > candidates[j].Size
		})
	default: // StrategyLRU
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].AccessedAt.Before(candidates[j].AccessedAt)
		})
	}

	keep := s.recentKeepSetLocked(now)

	var res Result
	for _, e := range candidates {
		stale := e.expired(now)
		// The age strategy always clears stale entries; every strategy stops
		// removing fresh entries once the byte target is met or when no byte
		// target was set.
		if !stale || strategy != StrategyAge {
			if targetBytes < 0 || s.totalBytes <= targetBytes {
				break
			}
		}
		if s.protected[e.Key] > 0 {
			res.Protected++
			continue
		}
		if !stale && keep[e.Key] {
			continue
		}
		if err := os.Remove(e.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log().Warn("eviction remove failed", "key", e.Key.String(), "error", err)
			continue
		}
		s.dropLocked(e)
		res.Removed++
		res.BytesFreed += e.Size
	}

	if res.Removed > 0 {
		if err := s.writeManifestLocked(); err != nil {
			s.log().Warn("manifest write failed", "error", err)
		}
		s.log().Debug("reclaimed cache space",
			"strategy", strategy.String(),
			"removed", res.Removed,
			"bytes_freed", res.BytesFreed,
			"protected", res.Protected,
			"total_bytes", s.totalBytes)
	}
	return res
}

// recentKeepSetLocked returns the keys of the protectRecent most recently
// accessed unexpired entries, which eviction preserves to avoid thrashing on
// repeatedly-viewed content.
func (s *Store) recentKeepSetLocked(now time.Time) map[mediatype.Key]bool {
	keep := make(map[mediatype.Key]bool, s.protectRecent)
	if s.protectRecent <= 0 {
		return keep
	}
	fresh := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.expired(now) {
			fresh = append(fresh, e)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].AccessedAt.After(fresh[j].AccessedAt)
	})
	if len(fresh) > s.protectRecent {
		fresh = fresh[:s.protectRecent]
	}
	for _, e := range fresh {
		keep[e.Key] = true
	}
	return keep
}
