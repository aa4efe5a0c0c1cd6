// Package remote defines the contract the engine requires of the remote
// object store that serves artifact variants, and provides an HTTP-backed
// implementation.
package remote

import (
	"context"
	"errors"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/mediacache/internal/mediatype"
)

// Errors passed through from the remote store unchanged.
var (
	// ErrNotFound is returned when no variant exists at the path and tier.
	ErrNotFound = errors.New("remote object not found")

	// ErrNotAuthenticated is returned when the store rejects the request's
	// credentials.
	ErrNotAuthenticated = errors.New("not authenticated with remote store")
)

// Metadata describes one remote artifact variant.
type Metadata struct {
	Size        int64
	ContentType string

	// Digest is the expected content digest, when the store reports one.
	// Empty means the store offers no integrity information.
	Digest digest.Digest
}

// ObjectStore is the remote collaborator serving artifact variants. Both
// methods must be idempotent and safe to call repeatedly. Quality variants
// exist as distinct remote objects; implementations own the path layout that
// maps (path, tier) to an object.
type ObjectStore interface {
	// DownloadURL returns a direct URL for the variant, suitable both for
	// fetching and for handing to a streaming player.
	DownloadURL(ctx context.Context, path string, tier mediatype.Tier) (string, error)

	// Metadata returns size and content information for the variant.
	Metadata(ctx context.Context, path string, tier mediatype.Tier) (Metadata, error)
}

// RequestDecorator is implemented by object stores whose download URLs are
// not self-authorizing (no pre-signed URLs): Decorate applies the store's
// credentials and headers to a transfer request before it is sent. The
// download coordinator decorates every transfer it issues when the store
// implements this.
type RequestDecorator interface {
	Decorate(req *http.Request)
}
