// Package config loads configuration for opening chunked-array datasets.
//
// Configuration comes from a single YAML file named by the NCZARR_CONFIG
// environment variable or passed explicitly to LoadFile. Object-store
// settings that the file leaves empty are looked up in an ordered list of
// sources; the first source that defines a value wins.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	zarr "github.com/TuSKan/nczarr-go"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "NCZARR_CONFIG"

// Config is the configuration of a dataset client.
type Config struct {
	// Store selects and configures the storage backend.
	Store StoreConfig `yaml:"store"`

	// Cache configures per-array chunk caching.
	Cache CacheConfig `yaml:"cache"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// StoreConfig configures the dataset location.
type StoreConfig struct {
	// URL is the dataset locator: a directory path, a .zip path, or an
	// s3://, mem:// or blob+file:// URL.
	URL string `yaml:"url"`

	// Region, Endpoint and Profile configure s3 locators. Values given in
	// the URL query take precedence.
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Profile  string `yaml:"profile"`

	// RequestsPerSecond limits object-store requests; zero is unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the request limiter's burst size.
	Burst int `yaml:"burst"`
}

// CacheConfig configures chunk caching.
type CacheConfig struct {
	// Capacity is the number of chunks kept in memory per array.
	Capacity int `yaml:"capacity"`

	// PrefetchConcurrency bounds concurrent chunk fetches.
	PrefetchConcurrency int `yaml:"prefetch_concurrency"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a logrus level name. Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json". Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Capacity:            64,
			PrefetchConcurrency: 8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by NCZARR_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set", EnvConfig)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, on top of the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1, got %d", c.Cache.Capacity)
	}
	if c.Cache.PrefetchConcurrency < 1 {
		return fmt.Errorf("cache.prefetch_concurrency must be at least 1, got %d", c.Cache.PrefetchConcurrency)
	}
	if c.Store.RequestsPerSecond < 0 {
		return fmt.Errorf("store.requests_per_second must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Logger builds a logger writing to w.
func (c *LogConfig) Logger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}
	return l, nil
}

// Options returns the array and registry options the configuration
// describes.
func (c *Config) Options(log logrus.FieldLogger) []zarr.Option {
	opts := []zarr.Option{
		zarr.WithCacheCapacity(c.Cache.Capacity),
		zarr.WithPrefetchConcurrency(c.Cache.PrefetchConcurrency),
		zarr.WithRequestRate(c.Store.RequestsPerSecond, c.Store.Burst),
	}
	if log != nil {
		opts = append(opts, zarr.WithLogger(log))
	}
	return opts
}

// Locator returns the store URL with object-store settings resolved from
// the URL query, the file, and then the given sources, in that order.
// Non-object-store URLs are returned unchanged.
func (c *Config) Locator(sources ...Source) (string, error) {
	kind, err := zarr.KindOf(c.Store.URL)
	if err != nil {
		return "", err
	}
	if kind != zarr.KindObject || strings.HasPrefix(c.Store.URL, "mem://") {
		return c.Store.URL, nil
	}
	file := Values{
		FieldRegion:   c.Store.Region,
		FieldEndpoint: c.Store.Endpoint,
		FieldProfile:  c.Store.Profile,
	}
	d, err := Resolve(c.Store.URL, append([]Source{file}, sources...)...)
	if err != nil {
		return "", err
	}
	return d.Locator(), nil
}
