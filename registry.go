package epubres

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// bundleIDPattern restricts bundle IDs to what the interceptor can route.
var bundleIDPattern = regexp.MustCompile(`^\w+$`)

// Bundle is a registered archive with its encryption manifest and
// optional license. A Bundle is immutable once registered; registering
// the same ID again replaces it with a new Bundle.
type Bundle struct {
	id       string
	revision uint64
	locator  string
	title    string
	source   Source
	manifest *Manifest
	license  *License

	openOnce sync.Once
	archive  *Archive
	openErr  error
}

// ID returns the bundle ID.
func (b *Bundle) ID() string { return b.id }

// Locator returns the source locator.
func (b *Bundle) Locator() string { return b.locator }

// Title returns the publication title given at registration, if any.
func (b *Bundle) Title() string { return b.title }

// Revision increases with every registration in a Registry.
func (b *Bundle) Revision() uint64 { return b.revision }

// Manifest returns the encryption manifest.
func (b *Bundle) Manifest() *Manifest { return b.manifest }

// License returns the bundle license, or nil.
func (b *Bundle) License() *License { return b.license }

// open reads the archive central directory once. A failure is kept: the
// bundle stays unusable until registered again.
func (b *Bundle) open(ctx context.Context, opened func()) (*Archive, error) {
	b.openOnce.Do(func() {
		opened()
		b.archive, b.openErr = OpenArchive(ctx, b.source)
	})
	return b.archive, b.openErr
}

// Registry holds registered bundles and resolves entry requests against
// them: cache lookup, then archive extraction, decryption and cache fill.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle

	generation   string
	cache        Cache
	cachePattern *regexp.Regexp
	log          *logrus.Logger
	licenseOpts  []LicenseOption

	revision atomic.Uint64
	flights  singleflight.Group

	// ctx bounds archive I/O and cache writes, which outlive the request
	// that triggered them.
	ctx    context.Context
	cancel context.CancelFunc

	activateOnce sync.Once
	activateErr  error

	opens, extracts, decrypts atomic.Uint64
	hits, misses, writeFails  atomic.Uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		bundles:      make(map[string]*Bundle),
		generation:   DefaultGeneration,
	}
	for _, o := range opts {
		o(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryCache()
	}
	if r.log == nil {
		r.log = discardLogger()
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Generation returns the cache generation.
func (r *Registry) Generation() string { return r.generation }

// Close cancels pending archive reads. The cache is not closed.
func (r *Registry) Close() error {
	r.cancel()
	return nil
}

// Activate removes cache entries of other generations. Only the first
// call does any work; later calls return its result.
func (r *Registry) Activate(ctx context.Context) error {
	r.activateOnce.Do(func() {
		n, err := r.cache.EvictStale(ctx, r.generation)
		if err != nil {
			r.activateErr = fmt.Errorf("epubres: evict stale cache entries: %w", err)
			r.log.WithError(err).Error("cache eviction failed")
			return
		}
		r.log.WithFields(logrus.Fields{
			"generation": r.generation,
			"evicted":    n,
		}).Info("cache activated")
	})
	return r.activateErr
}

// Register builds a Bundle from reg and makes it resolvable, replacing any
// bundle registered under the same ID. Nothing is read from the archive
// until the first resolve.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Bundle, error) {
	if reg.Source == nil {
		return nil, fmt.Errorf("epubres: register %q: no source", reg.ID)
	}
	locator := reg.Locator
	if locator == "" {
		locator = reg.Source.Locator()
	}
	id := reg.ID
	if id == "" {
		id = BundleID(locator)
	}
	if !bundleIDPattern.MatchString(id) {
		return nil, fmt.Errorf("epubres: register: invalid bundle id %q", id)
	}

	items, err := registrationItems(reg)
	if err != nil {
		return nil, fmt.Errorf("epubres: register %s: %w", id, err)
	}

	var lic *License
	if len(reg.License) > 0 {
		opts := slices.Clone(r.licenseOpts)
		switch {
		case len(reg.UserKey) > 0:
			opts = append(opts, WithUserKey(reg.UserKey))
		case reg.Passphrase != "":
			opts = append(opts, WithPassphrase(reg.Passphrase))
		}
		if lic, err = ParseLicense(reg.License, opts...); err != nil {
			return nil, fmt.Errorf("epubres: register %s: %w", id, err)
		}
	}

	manifest, err := BuildManifest(items, DeriveObfuscationKeys(reg.Identifier), lic)
	if err != nil {
		return nil, fmt.Errorf("epubres: register %s: %w", id, err)
	}

	b := &Bundle{
		id:       id,
		revision: r.revision.Add(1),
		locator:  locator,
		title:    reg.Title,
		source:   reg.Source,
		manifest: manifest,
		license:  lic,
	}

	r.mu.Lock()
	old := r.bundles[id]
	r.bundles[id] = b
	r.mu.Unlock()

	if old != nil {
		r.purge(ctx, id)
	}

	fonts, drm := manifest.counts()
	r.log.WithFields(logrus.Fields{
		"bundle":   id,
		"locator":  locator,
		"revision": b.revision,
		"fonts":    fonts,
		"drm":      drm,
		"replaced": old != nil,
	}).Info("bundle registered")

	return b, nil
}

// registrationItems merges descriptors parsed from the encryption document
// with the explicit ones, which win on the same path.
func registrationItems(reg Registration) ([]ItemDescriptor, error) {
	var items []ItemDescriptor
	if len(reg.Encryption) > 0 {
		parsed, err := ParseEncryption(reg.Encryption)
		if err != nil {
			return nil, err
		}
		items = parsed
	}
	if len(reg.EncryptedItems) == 0 {
		return items, nil
	}

	explicit := make(map[string]bool, len(reg.EncryptedItems))
	keys := make([]string, 0, len(reg.EncryptedItems))
	for p := range reg.EncryptedItems {
		keys = append(keys, p)
	}
	slices.Sort(keys)
	for _, p := range keys {
		explicit[cleanEntryPath(p)] = true
	}

	merged := items[:0:0]
	for _, it := range items {
		if !explicit[cleanEntryPath(it.Path)] {
			merged = append(merged, it)
		}
	}
	for _, p := range keys {
		it := reg.EncryptedItems[p]
		it.Path = p
		merged = append(merged, it)
	}
	return merged, nil
}

// Unregister removes a bundle and its cached entries. It reports whether
// the bundle was registered.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.bundles[id]
	delete(r.bundles, id)
	r.mu.Unlock()

	if ok {
		r.purge(ctx, id)
		r.log.WithField("bundle", id).Info("bundle unregistered")
	}
	return ok
}

func (r *Registry) purge(ctx context.Context, id string) {
	if err := r.cache.DeleteBundle(context.WithoutCancel(ctx), r.generation, id); err != nil {
		r.log.WithError(err).WithField("bundle", id).Warn("cache purge failed")
	}
}

// Bundle returns the bundle registered under id.
func (r *Registry) Bundle(id string) (*Bundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[id]
	return b, ok
}

// Bundles returns the registered bundle IDs in sorted order.
func (r *Registry) Bundles() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.bundles))
	for id := range r.bundles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Stats returns a snapshot of the resolution counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Opens:              r.opens.Load(),
		Extracts:           r.extracts.Load(),
		Decrypts:           r.decrypts.Load(),
		CacheHits:          r.hits.Load(),
		CacheMisses:        r.misses.Load(),
		CacheWriteFailures: r.writeFails.Load(),
	}
}

// Resolve returns the plaintext entry at entryPath in bundle bundleID.
// Every failure wraps ErrNotFound together with its cause. Concurrent
// calls for the same entry share one extraction.
func (r *Registry) Resolve(ctx context.Context, bundleID, entryPath string) (Resource, error) {
	if !bundleIDPattern.MatchString(bundleID) {
		return Resource{}, notFound(bundleID, entryPath, ErrBundleNotFound)
	}
	name := cleanEntryPath(entryPath)
	if name == "" {
		return Resource{}, notFound(bundleID, entryPath, ErrEntryNotFound)
	}

	key := CacheKey{Generation: r.generation, BundleID: bundleID, Path: name}
	cacheable := r.cacheable(name)
	if cacheable {
		res, ok, err := r.cache.Lookup(ctx, key)
		switch {
		case err != nil:
			r.misses.Add(1)
			r.log.WithError(err).WithFields(logrus.Fields{"bundle": bundleID, "path": name}).Warn("cache lookup failed")
		case ok:
			r.hits.Add(1)
			return res, nil
		default:
			r.misses.Add(1)
		}
	}

	b, ok := r.Bundle(bundleID)
	if !ok {
		return Resource{}, notFound(bundleID, name, ErrBundleNotFound)
	}

	flight := bundleID + keySeparator + strconv.FormatUint(b.revision, 10) + keySeparator + name
	ch := r.flights.DoChan(flight, func() (any, error) {
		return r.produce(b, name, cacheable)
	})

	select {
	case <-ctx.Done():
		return Resource{}, notFound(bundleID, name, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			r.log.WithError(res.Err).WithFields(logrus.Fields{"bundle": bundleID, "path": name}).Debug("resolve failed")
			return Resource{}, notFound(bundleID, name, res.Err)
		}
		return res.Val.(Resource), nil
	}
}

func notFound(bundleID, entryPath string, cause error) error {
	return fmt.Errorf("%w: %s/%s: %w", ErrNotFound, bundleID, entryPath, cause)
}

func (r *Registry) cacheable(name string) bool {
	return r.cachePattern == nil || r.cachePattern.MatchString(name)
}

// produce extracts, decrypts and caches one entry of b.
func (r *Registry) produce(b *Bundle, name string, cacheable bool) (Resource, error) {
	a, err := b.open(r.ctx, func() { r.opens.Add(1) })
	if err != nil {
		return Resource{}, err
	}

	data, err := a.Extract(name)
	r.extracts.Add(1)
	if err != nil {
		return Resource{}, err
	}

	if spec, ok := b.manifest.Lookup(name); ok {
		var contentKey []byte
		if lcp, isLCP := spec.(LcpAes); isLCP {
			if contentKey, err = lcp.License.ContentKey(); err != nil {
				return Resource{}, err
			}
		}
		r.decrypts.Add(1)
		if data, err = Decrypt(data, spec, contentKey); err != nil {
			return Resource{}, err
		}
	}

	res := Resource{Data: data, MimeType: MimeType(name)}
	if cacheable {
		r.store(b, name, res)
	}
	return res, nil
}

// store writes res to the cache unless b has been replaced or
// unregistered since the flight started.
func (r *Registry) store(b *Bundle, name string, res Resource) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.bundles[b.id] != b {
		return
	}
	key := CacheKey{Generation: r.generation, BundleID: b.id, Path: name}
	if err := r.cache.Store(r.ctx, key, res); err != nil {
		r.writeFails.Add(1)
		r.log.WithError(fmt.Errorf("%w: %w", ErrCacheWrite, err)).WithFields(logrus.Fields{
			"bundle": b.id,
			"path":   name,
		}).Warn("cache store failed")
	}
}
