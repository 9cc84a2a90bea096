package epubres

import (
	"io"
	"regexp"

	"github.com/sirupsen/logrus"
)

// DefaultGeneration is the cache generation used when none is configured.
const DefaultGeneration = "epubres-1"

// MediaCachePattern matches style sheets, scripts, images, fonts, content
// documents and audio/video entries. Pass it to WithCachePattern to keep
// package documents and other entries out of the cache.
var MediaCachePattern = regexp.MustCompile(`(?i)\.(css|js|jpe?g|png|gif|svg|webp|ttf|otf|woff2?|eot|x?html?|mp3|m4a|mp4)$`)

// Option configures a Registry.
type Option func(*Registry)

// WithGeneration sets the cache generation. Entries written under any
// other generation are removed by Activate and never served.
func WithGeneration(generation string) Option {
	return func(r *Registry) { r.generation = generation }
}

// WithCache replaces the default MemoryCache.
func WithCache(c Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Registry) { r.log = logger }
}

// WithCachePattern restricts caching to entry paths matching pattern. By
// default, or with a nil pattern, every resolved entry is cached.
func WithCachePattern(pattern *regexp.Regexp) Option {
	return func(r *Registry) { r.cachePattern = pattern }
}

// WithLicenseOptions adds options applied to every parsed license, such
// as WithRootCertificates or WithLicenseClock. Per-registration
// credentials are added after them.
func WithLicenseOptions(opts ...LicenseOption) Option {
	return func(r *Registry) { r.licenseOpts = append(r.licenseOpts, opts...) }
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
