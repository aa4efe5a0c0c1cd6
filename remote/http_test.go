package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/mediacache/internal/mediatype"
)

func TestDefaultVariantLayout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "videos/a.high.mp4", DefaultVariantLayout("videos/a.mp4", mediatype.TierHigh))
	assert.Equal(t, "images/logo.low.png", DefaultVariantLayout("images/logo.png", mediatype.TierLow))
	assert.Equal(t, "docs/readme.medium", DefaultVariantLayout("docs/readme", mediatype.TierMedium))
}

func TestNewHTTPStoreRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPStore("not-a-url")
	require.Error(t, err)
	_, err = NewHTTPStore("/just/a/path")
	require.Error(t, err)
}

func TestDownloadURL(t *testing.T) {
	t.Parallel()

	s, err := NewHTTPStore("https://cdn.example.com/media/")
	require.NoError(t, err)

	u, err := s.DownloadURL(context.Background(), "videos/a.mp4", mediatype.TierHigh)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/videos/a.high.mp4", u)
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	body := []byte("object bytes")
	sum := sha256.Sum256(body)
	hexSum := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/videos/a.high.mp4", r.URL.Path)
		assert.Equal(t, "token abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("X-Checksum-Sha256", hexSum)
	}))
	defer srv.Close()

	s, err := NewHTTPStore(srv.URL,
		WithClient(srv.Client()),
		WithHeader("Authorization", "token abc"))
	require.NoError(t, err)

	md, err := s.Metadata(context.Background(), "videos/a.mp4", mediatype.TierHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), md.Size)
	assert.Equal(t, "video/mp4", md.ContentType)
	assert.Equal(t, digest.NewDigestFromEncoded(digest.SHA256, hexSum), md.Digest)
}

func TestMetadataIgnoresMalformedChecksum(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Checksum-Sha256", "not hex!")
		w.Header().Set("Content-Length", "4")
	}))
	defer srv.Close()

	s, err := NewHTTPStore(srv.URL, WithClient(srv.Client()))
	require.NoError(t, err)

	md, err := s.Metadata(context.Background(), "docs/a.txt", mediatype.TierLow)
	require.NoError(t, err)
	assert.Empty(t, md.Digest)
}

func TestMetadataStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, ErrNotAuthenticated},
		{"forbidden", http.StatusForbidden, ErrNotAuthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			s, err := NewHTTPStore(srv.URL, WithClient(srv.Client()))
			require.NoError(t, err)

			_, err = s.Metadata(context.Background(), "x.bin", mediatype.TierLow)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecorateAppliesConfiguredHeaders(t *testing.T) {
	t.Parallel()

	s, err := NewHTTPStore("https://cdn.example.com",
		WithHeader("Authorization", "token abc"),
		WithHeader("X-Api-Version", "2"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "https://cdn.example.com/videos/a.high.mp4", nil)
	require.NoError(t, err)
	s.Decorate(req)

	assert.Equal(t, "token abc", req.Header.Get("Authorization"))
	assert.Equal(t, "2", req.Header.Get("X-Api-Version"))
}

func TestCustomVariantLayout(t *testing.T) {
	t.Parallel()

	s, err := NewHTTPStore("https://cdn.example.com",
		WithVariantLayout(func(p string, tier mediatype.Tier) string {
			return tier.String() + "/" + p
		}))
	require.NoError(t, err)

	u, err := s.DownloadURL(context.Background(), "videos/a.mp4", mediatype.TierMedium)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/medium/videos/a.mp4", u)
}
