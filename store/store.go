// Package store provides the durable artifact cache: a key→entry metadata
// index backed by files on disk, with atomic writes, access bookkeeping, and
// budget-driven eviction.
//
// The store knows nothing about the network or quality policy. Writes commit
// via temp-file-plus-rename so a crash mid-write never yields a corrupt hit.
// One mutex guards the metadata index; eviction holds it for the full
// scan-and-delete so it never races an in-flight write.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/mediacache/internal/mediatype"
)

// Sentinel errors.
var (
	// ErrStorageFull is returned when a write is rejected by the device even
	// after an eviction attempt.
	ErrStorageFull = errors.New("cache storage full")

	// ErrIntegrity is returned when written content does not match its
	// expected digest.
	ErrIntegrity = errors.New("content digest mismatch")

	// ErrSizeMismatch is returned when written content does not match its
	// declared size.
	ErrSizeMismatch = errors.New("content size mismatch")
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultProtectRecent  = 10
)

// Store is a disk-backed artifact cache. Safe for concurrent use.
type Store struct {
	dir            string
	budget         int64
	maxAge         time.Duration
	protectRecent  int
	compress       bool
	shardPrefixLen int
	dirPerm        os.FileMode
	logger         *slog.Logger
	now            func() time.Time

	mu         sync.Mutex
	entries    map[mediatype.Key]*Entry
	totalBytes int64
	protected  map[mediatype.Key]int
}

// Option configures a Store.
type Option func(*Store)

// WithBudget sets the storage byte budget. Zero disables budget enforcement.
func WithBudget(bytes int64) Option {
	return func(s *Store) { s.budget = bytes }
}

// WithMaxAge sets the default lifetime applied to new entries when PutInfo
// carries no TTL. Zero means entries never expire by default.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithProtectedRecent sets how many of the most-recently-accessed entries
// eviction always preserves. Defaults to 10.
func WithProtectedRecent(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.protectRecent = n
		}
	}
}

// WithCompression enables transparent zstd compression at rest for
// document-kind entries. Compressed entries must be read through Open.
func WithCompression(enabled bool) Option {
	return func(s *Store) { s.compress = enabled }
}

// WithLogger sets the logger. Absent a logger the store is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDirPerm sets the permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) { s.dirPerm = mode }
}

// New opens (or creates) a store rooted at dir and loads its metadata index.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	s := &Store{
		dir:            dir,
		protectRecent:  defaultProtectRecent,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		now:            time.Now,
		entries:        make(map[mediatype.Key]*Entry),
		protected:      make(map[mediatype.Key]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// PutInfo carries the metadata accompanying a write.
type PutInfo struct {
	Kind mediatype.Kind

	// Size is the declared content size in bytes; negative means unknown.
	// A known size is verified against the bytes actually written.
	Size int64

	// Digest, when set, is verified against the raw content before commit.
	Digest digest.Digest

	// TTL sets the entry lifetime. Zero uses the store default; negative
	// means no expiry.
	TTL time.Duration
}

// Lookup returns the entry for key if it is valid: unexpired and with its
// backing bytes present. A hit updates access bookkeeping. Absence and
// staleness are both a miss; Lookup never returns an error.
func (s *Store) Lookup(key mediatype.Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	now := s.now()
	if e.expired(now) {
		// Stale metadata lingers until eviction clears it.
		s.log().Debug("lookup stale", "key", key.String())
		return Entry{}, false
	}
	if _, err := os.Stat(e.Location); err != nil {
		// Backing bytes vanished; the metadata is meaningless.
		s.dropLocked(e)
		_ = s.writeManifestLocked()
		return Entry{}, false
	}
	e.AccessedAt = now
	e.AccessCount++
	return *e, true
}

// Put writes content for key atomically, overwriting any prior entry. The
// content is streamed to a temp file, verified against info.Size and
// info.Digest, then renamed into place. A write rejected by the device even
// after an eviction attempt fails with ErrStorageFull.
func (s *Store) Put(key mediatype.Key, r io.Reader, info PutInfo) (Entry, error) {
	compress := s.compress && info.Kind == mediatype.KindDocument

	// Make room before the write when the declared size would blow the
	// budget. Held and released before the copy: eviction must not overlap
	// network-paced I/O.
	if info.Size > 0 && s.budget > 0 {
		s.mu.Lock()
		if s.totalBytes+info.Size > s.budget {
			target := s.budget - info.Size
			if target < 0 {
				target = 0
			}
			s.reclaimLocked(target, StrategyLRU)
		}
		s.mu.Unlock()
	}

	final, err := s.contentPath(key, compress)
	if err != nil {
		return Entry{}, err
	}
	if err := os.MkdirAll(filepath.Dir(final), s.dirPerm); err != nil {
		return Entry{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), "put-*")
	if err != nil {
		return Entry{}, s.mapWriteErr(err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}

	var dst io.Writer = tmp
	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(tmp)
		if err != nil {
			discard()
			return Entry{}, err
		}
		dst = enc
	}

	var verifier digest.Verifier
	src := r
	if info.Digest != "" {
		if err := info.Digest.Validate(); err != nil {
			discard()
			return Entry{}, fmt.Errorf("invalid expected digest: %w", err)
		}
		verifier = info.Digest.Verifier()
		src = io.TeeReader(r, verifier)
	}

	written, err := io.Copy(dst, src)
	if err != nil {
		discard()
		return Entry{}, s.mapWriteErr(err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			discard()
			return Entry{}, s.mapWriteErr(err)
		}
	}
	if info.Size >= 0 && written != info.Size {
		discard()
		return Entry{}, fmt.Errorf("%w: declared %d, wrote %d", ErrSizeMismatch, info.Size, written)
	}
	if verifier != nil && !verifier.Verified() {
		discard()
		return Entry{}, fmt.Errorf("%w: want %s", ErrIntegrity, info.Digest)
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return Entry{}, s.mapWriteErr(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Entry{}, s.mapWriteErr(err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return Entry{}, s.mapWriteErr(err)
	}

	stored := written
	if compress {
		if fi, err := os.Stat(final); err == nil {
			stored = fi.Size()
		}
	}

	now := s.now()
	e := &Entry{
		Key:          key,
		Location:     final,
		Size:         stored,
		OriginalSize: written,
		Kind:         info.Kind,
		Compressed:   compress,
		CreatedAt:    now,
		AccessedAt:   now,
	}
	switch ttl := info.TTL; {
	case ttl > 0:
		e.ExpiresAt = now.Add(ttl)
	case ttl == 0 && s.maxAge > 0:
		e.ExpiresAt = now.Add(s.maxAge)
	}

	s.mu.Lock()
	if prior, ok := s.entries[key]; ok {
		s.totalBytes -= prior.Size
		if prior.Location != final {
			_ = os.Remove(prior.Location)
		}
	}
	s.entries[key] = e
	s.totalBytes += e.Size
	err = s.writeManifestLocked()
	cp := *e
	s.mu.Unlock()
	if err != nil {
		s.log().Warn("manifest write failed", "error", err)
	}
	s.log().Debug("cache put", "key", key.String(), "bytes", stored, "compressed", compress)
	return cp, nil
}

// Remove deletes the entry and its backing bytes. Idempotent.
func (s *Store) Remove(key mediatype.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if err := os.Remove(e.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.dropLocked(e)
	return s.writeManifestLocked()
}

// Snapshot returns a point-in-time copy of all entries and the tracked total
// byte count, for eviction planning and diagnostics.
func (s *Store) Snapshot() ([]Entry, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	return entries, s.totalBytes
}

// Open returns a reader over the entry's raw content, transparently
// decompressing compressed entries. Opening counts as an access.
func (s *Store) Open(key mediatype.Key) (io.ReadCloser, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", key.String(), os.ErrNotExist)
	}
	e.AccessedAt = s.now()
	e.AccessCount++
	location, compressed := e.Location, e.Compressed
	s.mu.Unlock()

	f, err := os.Open(location)
	if err != nil {
		return nil, err
	}
	if !compressed {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &decompressReader{dec: dec, f: f}, nil
}

// Protect marks key as the target of an in-flight download; eviction skips
// protected entries. The returned release function must be called when the
// download reaches a terminal state, and is safe to call once.
func (s *Store) Protect(key mediatype.Key) (release func()) {
	s.mu.Lock()
	s.protected[key]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.protected[key] <= 1 {
				delete(s.protected, key)
			} else {
				s.protected[key]--
			}
			s.mu.Unlock()
		})
	}
}

// Clear removes every entry. Primarily for tests and explicit user resets.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if err := os.Remove(e.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.dropLocked(e)
	}
	return s.writeManifestLocked()
}

// Flush persists pending access bookkeeping to the manifest. Reads update
// metadata in memory only; call Flush (or rely on the next mutation) to make
// bookkeeping durable.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeManifestLocked()
}

// dropLocked removes e from the index. Callers must hold the store mutex.
func (s *Store) dropLocked(e *Entry) {
	delete(s.entries, e.Key)
	s.totalBytes -= e.Size
}

// contentPath derives the backing file path for a key, sharded by key hash.
func (s *Store) contentPath(key mediatype.Key, compressed bool) (string, error) {
	sum := sha256.Sum256([]byte(key.String()))
	name := hex.EncodeToString(sum[:])
	if compressed {
		name += ".zst"
	}
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, name), nil
	}
	return filepath.Join(s.dir, name[:s.shardPrefixLen], name), nil
}

// mapWriteErr converts a device out-of-space failure into ErrStorageFull
// after one eviction attempt; other errors pass through.
func (s *Store) mapWriteErr(err error) error {
	if !errors.Is(err, syscall.ENOSPC) {
		return err
	}
	s.mu.Lock()
	target := s.budget / 2
	if s.budget == 0 {
		target = s.totalBytes / 2
	}
	res := s.reclaimLocked(target, StrategyLRU)
	s.mu.Unlock()
	s.log().Warn("device out of space", "freed", res.BytesFreed, "removed", res.Removed)
	return fmt.Errorf("%w: %v", ErrStorageFull, err)
}

type decompressReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *decompressReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decompressReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}
