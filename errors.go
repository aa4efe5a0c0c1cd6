package mediacache

import (
	"github.com/meigma/mediacache/download"
	"github.com/meigma/mediacache/remote"
	"github.com/meigma/mediacache/store"
)

// Errors re-exported from store.
var (
	// ErrStorageFull is returned when a write is rejected by the device even
	// after an eviction attempt.
	ErrStorageFull = store.ErrStorageFull

	// ErrIntegrity is returned when fetched content does not match its
	// expected digest.
	ErrIntegrity = store.ErrIntegrity

	// ErrSizeMismatch is returned when fetched content does not match its
	// declared size.
	ErrSizeMismatch = store.ErrSizeMismatch
)

// Errors re-exported from download.
var (
	// ErrNetworkIneligible is returned when policy blocks a fetch on the
	// current network.
	ErrNetworkIneligible = download.ErrNetworkIneligible

	// ErrCancelled is returned to waiters of a cancelled download.
	ErrCancelled = download.ErrCancelled
)

// Errors passed through from the remote object store unchanged.
var (
	// ErrNotFound is returned when no variant exists for a path and tier.
	ErrNotFound = remote.ErrNotFound

	// ErrNotAuthenticated is returned when the remote store rejects the
	// request's credentials.
	ErrNotAuthenticated = remote.ErrNotAuthenticated
)
