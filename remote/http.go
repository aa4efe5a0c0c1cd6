package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/mediacache/internal/mediatype"
)

// checksumHeader carries the store's hex-encoded SHA256 of the object, when
// the store computes one.
const checksumHeader = "X-Checksum-Sha256"

// VariantLayout maps an artifact path and tier to the remote object path.
type VariantLayout func(path string, tier mediatype.Tier) string

// DefaultVariantLayout inserts the tier name before the extension:
// "videos/a.mp4" at high becomes "videos/a.high.mp4".
func DefaultVariantLayout(p string, tier mediatype.Tier) string {
	ext := path.Ext(p)
	return strings.TrimSuffix(p, ext) + "." + tier.String() + ext
}

// HTTPStore is an ObjectStore backed by a plain HTTP object server.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	headers http.Header
	layout  VariantLayout
}

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) HTTPOption {
	return func(s *HTTPStore) {
		if client != nil {
			s.client = client
		}
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPStore) {
		if s.headers == nil {
			s.headers = make(http.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers http.Header) HTTPOption {
	return func(s *HTTPStore) {
		if headers != nil {
			s.headers = headers.Clone()
		}
	}
}

// WithVariantLayout overrides how (path, tier) maps to a remote object path.
func WithVariantLayout(layout VariantLayout) HTTPOption {
	return func(s *HTTPStore) {
		if layout != nil {
			s.layout = layout
		}
	}
}

// NewHTTPStore creates a store serving variants under baseURL.
func NewHTTPStore(baseURL string, opts ...HTTPOption) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	s := &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		layout:  DefaultVariantLayout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// DownloadURL implements ObjectStore.
func (s *HTTPStore) DownloadURL(_ context.Context, p string, tier mediatype.Tier) (string, error) {
	variant := s.layout(p, tier)
	return s.baseURL + "/" + strings.TrimLeft(variant, "/"), nil
}

// Decorate implements RequestDecorator: the store's configured headers apply
// to content transfers the same way they apply to metadata requests.
func (s *HTTPStore) Decorate(req *http.Request) {
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

// Metadata implements ObjectStore using a HEAD request.
func (s *HTTPStore) Metadata(ctx context.Context, p string, tier mediatype.Tier) (Metadata, error) {
	u, err := s.DownloadURL(ctx, p, tier)
	if err != nil {
		return Metadata{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return Metadata{}, err
	}
	s.Decorate(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Metadata{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Metadata{}, fmt.Errorf("%s: %w", p, ErrNotAuthenticated)
	case resp.StatusCode != http.StatusOK:
		return Metadata{}, fmt.Errorf("metadata %s: unexpected status %s", p, resp.Status)
	}

	md := Metadata{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if sum := resp.Header.Get(checksumHeader); sum != "" {
		d := digest.NewDigestFromEncoded(digest.SHA256, sum)
		if err := d.Validate(); err == nil {
			md.Digest = d
		}
	}
	return md, nil
}
