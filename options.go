package zarr

import (
	"io"

	"github.com/sirupsen/logrus"
)

const (
	defaultCacheCapacity       = 64
	defaultPrefetchConcurrency = 8
)

// Option configures arrays and registries.
type Option func(*options)

type options struct {
	log                 logrus.FieldLogger
	cacheCapacity       int
	prefetchConcurrency int
	requestsPerSecond   float64
	burst               int
}

func buildOptions(opts []Option) options {
	o := options{
		cacheCapacity:       defaultCacheCapacity,
		prefetchConcurrency: defaultPrefetchConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.log = l
	}
	return o
}

// WithLogger sets the logger. Without it nothing is logged.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithCacheCapacity sets how many chunks an array keeps in memory.
func WithCacheCapacity(chunks int) Option {
	return func(o *options) {
		if chunks > 0 {
			o.cacheCapacity = chunks
		}
	}
}

// WithPrefetchConcurrency bounds the concurrent fetches of Prefetch.
func WithPrefetchConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetchConcurrency = n
		}
	}
}

// WithRequestRate limits object-store requests per second.
func WithRequestRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.requestsPerSecond = perSecond
		o.burst = burst
	}
}
