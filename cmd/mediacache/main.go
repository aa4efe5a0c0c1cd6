// Command mediacache resolves artifact paths against a remote object store
// through a local adaptive cache, printing where each resolution came from.
//
// Configuration comes from MEDIACACHE_* environment variables with flag
// overrides; see the package documentation for the full surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/meigma/mediacache"
	"github.com/meigma/mediacache/netmon"
	"github.com/meigma/mediacache/remote"
	"github.com/meigma/mediacache/store"
)

func main() {
	var (
		baseURL   = flag.String("remote", "", "base URL of the remote object store (required)")
		cacheDir  = flag.String("cache-dir", "", "cache directory (overrides MEDIACACHE_DIR)")
		pref      = flag.String("quality", "auto", "quality preference: auto, high, data-saver")
		network   = flag.String("network", "wifi", "network assumption: wifi, cellular, offline")
		noStream  = flag.Bool("no-stream", false, "disable streaming-first for large artifacts")
		reclaim   = flag.Int64("reclaim", -1, "run one eviction pass toward this byte target and exit")
		strategy  = flag.String("strategy", "auto", "eviction strategy: auto, age, size, lru")
		showStats = flag.Bool("stats", false, "print cache stats after resolving")
		verbose   = flag.Bool("v", false, "enable debug logging")
		timeout   = flag.Duration("timeout", 2*time.Minute, "per-invocation timeout")
	)
	flag.Parse()

	if err := run(*baseURL, *cacheDir, *pref, *network, *strategy, *reclaim, *noStream, *showStats, *verbose, *timeout, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

//nolint:gocyclo // flag plumbing
func run(baseURL, cacheDir, pref, network, strategy string, reclaim int64, noStream, showStats, verbose bool, timeout time.Duration, paths []string) error {
	cfg, err := mediacache.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	if verbose {
		opts = append(opts, mediacache.WithLogger(
			slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	}

	monitor, err := monitorFor(network)
	if err != nil {
		return err
	}
	opts = append(opts, mediacache.WithMonitor(monitor))

	if baseURL == "" {
		return fmt.Errorf("-remote is required")
	}
	objects, err := remote.NewHTTPStore(baseURL)
	if err != nil {
		return err
	}

	engine, err := mediacache.New(objects, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	if reclaim >= 0 {
		strat, err := store.ParseStrategy(strategy)
		if err != nil {
			return err
		}
		res := engine.Reclaim(reclaim, strat)
		fmt.Printf("reclaimed %d entries, %d bytes freed, %d protected\n",
			res.Removed, res.BytesFreed, res.Protected)
		return nil
	}

	if len(paths) == 0 {
		return fmt.Errorf("no paths given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var resolveOpts []mediacache.ResolveOption
	switch pref {
	case "auto":
	case "high":
		resolveOpts = append(resolveOpts, mediacache.WithPreference(mediacache.PreferenceHigh))
	case "data-saver":
		resolveOpts = append(resolveOpts, mediacache.WithPreference(mediacache.PreferenceDataSaver))
	default:
		return fmt.Errorf("unknown quality preference %q", pref)
	}
	if noStream {
		resolveOpts = append(resolveOpts, mediacache.WithoutProgressive())
	}

	for _, path := range paths {
		res, err := engine.Resolve(ctx, path, resolveOpts...)
		if err != nil {
			fmt.Printf("%-40s error: %v\n", path, err)
			continue
		}
		fmt.Printf("%-40s %-20s tier=%-7s %s\n", path, res.Source, res.Tier, res.Location)
		if res.Download != nil {
			// Wait out the background download so the artifact is available
			// offline next run.
			if _, err := res.Download.Wait(ctx); err != nil {
				fmt.Printf("%-40s background download: %v\n", path, err)
			}
		}
	}

	if showStats {
		st := engine.Stats()
		fmt.Printf("\ncache: %d entries, %d bytes; downloads: %d queued, %d active, %d waiting\n",
			st.Entries, st.TotalBytes, st.Downloads.Queued, st.Downloads.Downloading, st.Downloads.Waiting)
	}
	return nil
}

func monitorFor(network string) (netmon.Monitor, error) {
	switch network {
	case "wifi":
		return netmon.NewStatic(mediacache.ConnWifi, mediacache.SpeedUnknown), nil
	case "cellular":
		return netmon.NewStatic(mediacache.ConnCellular, mediacache.SpeedModerate), nil
	case "offline":
		return netmon.NewStatic(mediacache.ConnOffline, mediacache.SpeedUnknown), nil
	default:
		return nil, fmt.Errorf("unknown network class %q", network)
	}
}
