package mediacache

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/meigma/mediacache/internal/mediatype"
)

// Config is the engine's environment-driven configuration surface. Every
// field has a default and maps to a construction option via Options.
type Config struct {
	CacheDir             string        `env:"MEDIACACHE_DIR"`
	BudgetBytes          int64         `env:"MEDIACACHE_BUDGET_BYTES" envDefault:"536870912"`
	MaxAge               time.Duration `env:"MEDIACACHE_MAX_AGE" envDefault:"168h"`
	ProtectedRecent      int           `env:"MEDIACACHE_PROTECTED_RECENT" envDefault:"10"`
	Compression          bool          `env:"MEDIACACHE_COMPRESSION"`
	MaxConcurrency       int           `env:"MEDIACACHE_MAX_CONCURRENCY" envDefault:"3"`
	RetryAttempts        int           `env:"MEDIACACHE_RETRY_ATTEMPTS" envDefault:"3"`
	BackoffBase          time.Duration `env:"MEDIACACHE_BACKOFF_BASE" envDefault:"1s"`
	BackoffCap           time.Duration `env:"MEDIACACHE_BACKOFF_CAP" envDefault:"30s"`
	PreferredNetworkOnly bool          `env:"MEDIACACHE_PREFERRED_NETWORK_ONLY"`
	SmallThreshold       int64         `env:"MEDIACACHE_SMALL_THRESHOLD" envDefault:"1048576"`
	Progressive          bool          `env:"MEDIACACHE_PROGRESSIVE" envDefault:"true"`
	EvictionInterval     time.Duration `env:"MEDIACACHE_EVICT_INTERVAL" envDefault:"5m"`
	DeviceClass          string        `env:"MEDIACACHE_DEVICE_CLASS" envDefault:"medium"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	return env.ParseAs[Config]()
}

// Options converts the config to engine construction options.
func (c Config) Options() ([]Option, error) {
	device, err := mediatype.ParseDeviceClass(c.DeviceClass)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithBudget(c.BudgetBytes),
		WithMaxAge(c.MaxAge),
		WithProtectedRecent(c.ProtectedRecent),
		WithCompression(c.Compression),
		WithMaxConcurrency(c.MaxConcurrency),
		WithRetryPolicy(RetryPolicy{
			Base:        c.BackoffBase,
			Cap:         c.BackoffCap,
			MaxAttempts: c.RetryAttempts,
		}),
		WithPreferredNetworkOnly(c.PreferredNetworkOnly),
		WithSmallThreshold(c.SmallThreshold),
		WithProgressive(c.Progressive),
		WithEvictionInterval(c.EvictionInterval),
		WithDeviceClass(device),
	}
	if c.CacheDir != "" {
		opts = append(opts, WithCacheDir(c.CacheDir))
	}
	return opts, nil
}
