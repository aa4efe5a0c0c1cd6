package mediacache

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/meigma/mediacache/download"
	"github.com/meigma/mediacache/internal/mediatype"
	"github.com/meigma/mediacache/netmon"
)

// RetryPolicy is the download retry/backoff policy.
type RetryPolicy = download.RetryPolicy

// EligibilityPolicy gates fetches by network class and content kind.
type EligibilityPolicy = download.EligibilityPolicy

// Defaults for the engine configuration surface. All are overridable at
// construction and, via Config, from the environment.
const (
	DefaultBudget           int64 = 512 << 20 // 512 MiB
	DefaultMaxAge                 = 7 * 24 * time.Hour
	DefaultSmallThreshold   int64 = 1 << 20 // 1 MiB
	DefaultEvictionInterval       = 5 * time.Minute
)

// options collects construction-time settings before the engine's parts are
// built.
type options struct {
	cacheDir        string
	budget          int64
	maxAge          time.Duration
	protectedRecent int
	compression     bool

	maxConcurrency int
	retry          RetryPolicy
	eligibility    EligibilityPolicy
	httpClient     *http.Client

	monitor        netmon.Monitor
	defaultNetwork mediatype.NetworkSnapshot
	device         mediatype.DeviceClass

	smallThreshold   int64
	progressive      bool
	evictionInterval time.Duration

	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*options) error

// WithCacheDir sets the directory backing the cache store.
func WithCacheDir(dir string) Option {
	return func(o *options) error {
		if dir == "" {
			return errors.New("cache dir is empty")
		}
		o.cacheDir = dir
		return nil
	}
}

// WithBudget sets the cache storage byte budget. Zero disables budget
// enforcement.
func WithBudget(bytes int64) Option {
	return func(o *options) error {
		if bytes < 0 {
			return errors.New("budget must be >= 0")
		}
		o.budget = bytes
		return nil
	}
}

// WithMaxAge sets the default cache entry lifetime. Zero means entries never
// expire.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("max age must be >= 0")
		}
		o.maxAge = d
		return nil
	}
}

// WithProtectedRecent sets how many most-recently-accessed entries eviction
// always preserves.
func WithProtectedRecent(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("protected recent count must be >= 0")
		}
		o.protectedRecent = n
		return nil
	}
}

// WithCompression enables zstd compression at rest for document-kind
// entries. Compressed entries must be read through Engine.Open.
func WithCompression(enabled bool) Option {
	return func(o *options) error {
		o.compression = enabled
		return nil
	}
}

// WithMaxConcurrency sets the download worker slot count. Defaults to 3.
func WithMaxConcurrency(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.New("max concurrency must be >= 1")
		}
		o.maxConcurrency = n
		return nil
	}
}

// WithRetryPolicy overrides the download retry/backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) error {
		if p.MaxAttempts < 1 {
			return errors.New("retry policy needs at least one attempt")
		}
		o.retry = p
		return nil
	}
}

// WithPreferredNetworkOnly blocks video fetches on anything other than wifi.
func WithPreferredNetworkOnly(enabled bool) Option {
	return func(o *options) error {
		o.eligibility.PreferredNetworkOnly = enabled
		return nil
	}
}

// WithEligibility sets the full network eligibility policy.
func WithEligibility(p EligibilityPolicy) Option {
	return func(o *options) error {
		o.eligibility = p
		return nil
	}
}

// WithHTTPClient sets the client used for artifact transfers.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) error {
		if client == nil {
			return errors.New("http client is nil")
		}
		o.httpClient = client
		return nil
	}
}

// WithMonitor attaches a network monitor. Absent a monitor the engine
// assumes the default network (see WithDefaultNetwork).
func WithMonitor(m netmon.Monitor) Option {
	return func(o *options) error {
		o.monitor = m
		return nil
	}
}

// WithDefaultNetwork sets the network assumption used when no monitor is
// attached (or until it first publishes).
func WithDefaultNetwork(n NetworkSnapshot) Option {
	return func(o *options) error {
		o.defaultNetwork = n
		return nil
	}
}

// WithDeviceClass sets the device performance tier. Defaults to medium when
// no classifier is available.
func WithDeviceClass(d DeviceClass) Option {
	return func(o *options) error {
		o.device = d
		return nil
	}
}

// WithSmallThreshold sets the size below which artifacts download
// synchronously instead of streaming-first. Defaults to 1 MiB.
func WithSmallThreshold(bytes int64) Option {
	return func(o *options) error {
		if bytes < 0 {
			return errors.New("small threshold must be >= 0")
		}
		o.smallThreshold = bytes
		return nil
	}
}

// WithProgressive sets the engine-wide progressive loading default. When
// disabled, large artifacts download synchronously like small ones.
func WithProgressive(enabled bool) Option {
	return func(o *options) error {
		o.progressive = enabled
		return nil
	}
}

// WithEvictionInterval sets the period of the opportunistic eviction loop.
// Zero disables periodic eviction.
func WithEvictionInterval(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("eviction interval must be >= 0")
		}
		o.evictionInterval = d
		return nil
	}
}

// WithLogger sets the logger shared by the engine and its parts.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}
