package mediacache

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/mediacache/download"
	"github.com/meigma/mediacache/internal/mediatype"
	"github.com/meigma/mediacache/netmon"
	"github.com/meigma/mediacache/perf"
	"github.com/meigma/mediacache/remote"
	"github.com/meigma/mediacache/store"
)

// Engine is the delivery facade: it composes the cache store, performance
// tracker, quality selector, and download coordinator behind a single
// Resolve entry point. Engines are explicitly constructed and independent;
// two engines with different cache directories never share state.
type Engine struct {
	store   *store.Store
	perf    *perf.Tracker
	coord   *download.Coordinator
	remote  remote.ObjectStore
	monitor netmon.Monitor

	device         mediatype.DeviceClass
	smallThreshold int64
	progressive    bool
	budget         int64
	maxConcurrency int
	logger         *slog.Logger

	flight      singleflight.Group
	unsubscribe func()
	stop        chan struct{}
	closeOnce   sync.Once
	loopDone    chan struct{}
}

// New creates an engine fetching from objects. The zero configuration uses a
// per-user cache directory, a 512 MiB budget, 7-day entry lifetime, three
// download workers, and a wifi default network assumption.
func New(objects remote.ObjectStore, opts ...Option) (*Engine, error) {
	o := options{
		budget:           DefaultBudget,
		maxAge:           DefaultMaxAge,
		protectedRecent:  -1, // store default
		maxConcurrency:   download.DefaultMaxConcurrency,
		retry:            download.DefaultRetryPolicy,
		defaultNetwork:   mediatype.NetworkSnapshot{Class: mediatype.ConnWifi, Timestamp: time.Now()},
		device:           mediatype.DeviceMedium,
		smallThreshold:   DefaultSmallThreshold,
		progressive:      true,
		evictionInterval: DefaultEvictionInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		o.cacheDir = filepath.Join(base, "mediacache")
	}

	storeOpts := []store.Option{
		store.WithBudget(o.budget),
		store.WithMaxAge(o.maxAge),
		store.WithCompression(o.compression),
		store.WithLogger(o.logger),
	}
	if o.protectedRecent >= 0 {
		storeOpts = append(storeOpts, store.WithProtectedRecent(o.protectedRecent))
	}
	st, err := store.New(o.cacheDir, storeOpts...)
	if err != nil {
		return nil, err
	}

	tracker := perf.NewTracker()

	initial := o.defaultNetwork
	if o.monitor != nil {
		initial = o.monitor.Snapshot()
	}
	coordOpts := []download.Option{
		download.WithMaxConcurrency(o.maxConcurrency),
		download.WithRetryPolicy(o.retry),
		download.WithEligibility(o.eligibility),
		download.WithNetwork(initial),
		download.WithLogger(o.logger),
	}
	if o.httpClient != nil {
		coordOpts = append(coordOpts, download.WithHTTPClient(o.httpClient))
	}

	e := &Engine{
		store:          st,
		perf:           tracker,
		coord:          download.New(st, tracker, objects, coordOpts...),
		remote:         objects,
		monitor:        o.monitor,
		device:         o.device,
		smallThreshold: o.smallThreshold,
		progressive:    o.progressive,
		budget:         o.budget,
		maxConcurrency: o.maxConcurrency,
		logger:         o.logger,
		stop:           make(chan struct{}),
	}

	if e.monitor != nil {
		e.unsubscribe = e.monitor.Subscribe(e.coord.SetNetwork)
	}
	if o.evictionInterval > 0 {
		e.loopDone = make(chan struct{})
		go e.evictLoop(o.evictionInterval)
	}
	return e, nil
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Close stops the eviction loop, detaches from the network monitor, cancels
// all live downloads, and flushes access bookkeeping.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		close(e.stop)
		if e.loopDone != nil {
			<-e.loopDone
		}
		e.coord.Close()
		err = e.store.Flush()
	})
	return err
}

// evictLoop runs opportunistic auto-strategy eviction periodically.
func (e *Engine) evictLoop(every time.Duration) {
	defer close(e.loopDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			target := e.budget
			if target == 0 {
				// Budget enforcement is disabled: the periodic pass only
				// clears expired entries.
				target = -1
			}
			res := e.store.Reclaim(target, store.StrategyAuto)
			if res.Removed > 0 {
				e.log().Debug("periodic eviction",
					"removed", res.Removed, "bytes_freed", res.BytesFreed)
			}
		}
	}
}

// Reclaim runs one eviction pass toward targetBytes using strategy.
func (e *Engine) Reclaim(targetBytes int64, strategy store.Strategy) store.Result {
	return e.store.Reclaim(targetBytes, strategy)
}

// Open returns a reader over a cached artifact's content, transparently
// decompressing entries stored compressed.
func (e *Engine) Open(key Key) (io.ReadCloser, error) {
	return e.store.Open(key)
}

// Cancel cancels the in-flight or queued download for key, if any.
func (e *Engine) Cancel(key Key) bool {
	return e.coord.Cancel(key)
}

// ClearCache removes every cached entry.
func (e *Engine) ClearCache() error {
	return e.store.Clear()
}

// Stats is a point-in-time diagnostic view of the engine.
type Stats struct {
	Entries    int
	TotalBytes int64
	Downloads  download.Stats
}

// Stats returns cache and queue occupancy.
func (e *Engine) Stats() Stats {
	entries, total := e.store.Snapshot()
	return Stats{
		Entries:    len(entries),
		TotalBytes: total,
		Downloads:  e.coord.Stats(),
	}
}

// Network returns the engine's current network assumption.
func (e *Engine) Network() NetworkSnapshot {
	return e.coord.Network()
}
