package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/meigma/mediacache/internal/mediatype"
)

// Entry is the metadata record for one cached artifact. Entries are owned
// exclusively by the Store; callers receive copies.
type Entry struct {
	Key mediatype.Key

	// Location is the absolute path of the backing file.
	Location string

	// Size is the byte size of the backing file on disk. For compressed
	// entries this is the stored (compressed) size; OriginalSize holds the
	// raw content size.
	Size         int64
	OriginalSize int64

	Kind       mediatype.Kind
	Compressed bool

	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64

	// ExpiresAt is the entry's expiry deadline; zero means no deadline.
	ExpiresAt time.Time
}

// expired reports whether the entry's deadline has passed at now.
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// manifestVersion identifies the on-disk metadata format. The format is
// forward-compatible: versions only ever add fields, and unknown fields are
// ignored on load.
const manifestVersion = 1

const manifestName = "manifest.json"

type manifest struct {
	Version int             `json:"version"`
	Entries []manifestEntry `json:"entries"`
}

type manifestEntry struct {
	Path         string    `json:"path"`
	Tier         string    `json:"tier"`
	File         string    `json:"file"`
	Size         int64     `json:"size"`
	OriginalSize int64     `json:"original_size,omitempty"`
	Kind         string    `json:"kind"`
	Compressed   bool      `json:"compressed,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	AccessedAt   time.Time `json:"accessed_at"`
	AccessCount  int64     `json:"access_count"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

func kindFromName(s string) mediatype.Kind {
	switch s {
	case "video":
		return mediatype.KindVideo
	case "image":
		return mediatype.KindImage
	default:
		return mediatype.KindDocument
	}
}

// writeManifestLocked persists the metadata index atomically. Callers must
// hold the store mutex.
func (s *Store) writeManifestLocked() error {
	m := manifest{Version: manifestVersion}
	for _, e := range s.entries {
		rel, err := filepath.Rel(s.dir, e.Location)
		if err != nil {
			rel = e.Location
		}
		m.Entries = append(m.Entries, manifestEntry{
			Path:         e.Key.Path,
			Tier:         e.Key.Tier.String(),
			File:         rel,
			Size:         e.Size,
			OriginalSize: e.OriginalSize,
			Kind:         e.Kind.String(),
			Compressed:   e.Compressed,
			CreatedAt:    e.CreatedAt,
			AccessedAt:   e.AccessedAt,
			AccessCount:  e.AccessCount,
			ExpiresAt:    e.ExpiresAt,
		})
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(s.dir, manifestName))
}

// loadManifest reads the metadata index and reconciles it against backing
// files. Entries whose bytes are missing are dropped; sizes are taken from
// the filesystem so metadata never overstates durable storage.
func (s *Store) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt manifest means the cache contents are unaddressable;
		// start empty rather than fail.
		s.log().Warn("cache manifest unreadable, starting empty", "error", err)
		return nil
	}

	for _, me := range m.Entries {
		tier, err := mediatype.ParseTier(me.Tier)
		if err != nil {
			continue
		}
		loc := filepath.Join(s.dir, filepath.FromSlash(me.File))
		info, err := os.Stat(loc)
		if err != nil {
			continue
		}
		e := &Entry{
			Key:          mediatype.NewKey(me.Path, tier),
			Location:     loc,
			Size:         info.Size(),
			OriginalSize: me.OriginalSize,
			Kind:         kindFromName(me.Kind),
			Compressed:   me.Compressed,
			CreatedAt:    me.CreatedAt,
			AccessedAt:   me.AccessedAt,
			AccessCount:  me.AccessCount,
			ExpiresAt:    me.ExpiresAt,
		}
		s.entries[e.Key] = e
		s.totalBytes += e.Size
	}
	return nil
}
