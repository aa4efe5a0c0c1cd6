// Package mediacache fetches, caches, quality-adapts, and evicts remote
// media artifacts (video, image, document) for offline-tolerant clients on
// constrained, variable networks.
//
// The Engine is the single entry point. Resolve returns a usable location
// for an artifact: a cache hit, a synchronously downloaded file, or a direct
// streaming URL with a background download running for offline availability.
// Quality tiers are chosen per artifact from device class, network
// conditions, and observed load performance, with explicit user preferences
// taking precedence.
//
// Downloads run through a bounded worker pool with single-flight
// deduplication per artifact, exponential-backoff retries for transient
// failures, and graceful degradation to lower-tier cached variants on
// terminal failures. Storage stays within a configurable byte budget via
// age, size, LRU, or automatic eviction strategies that never touch entries
// an in-flight download targets.
package mediacache
