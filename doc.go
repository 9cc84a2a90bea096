// Package epubres serves the entries of packaged ePub archives to a reading
// application, removing font obfuscation and Readium LCP encryption on the
// way.
//
// Requests for virtual paths of the form <prefix>/<bundle-id>/<entry-path>
// are resolved against a generation-tagged cache first, then against the
// registered archive. Protected entries are deobfuscated (IDPF and Adobe
// XOR schemes) or decrypted with the content key of a validated LCP
// license.
//
// # Registering a bundle
//
// [Inspect] reads the package identifier, encryption.xml and license from
// an archive and returns a [Registration] ready to be registered:
//
//	reg := epubres.NewRegistry(epubres.WithGeneration("v2"))
//	defer reg.Close()
//
//	r, err := epubres.Inspect(ctx, epubres.BlobSource{Name: "book.epub", Data: data})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r.Passphrase = "reader secret"
//	bundle, err := reg.Register(ctx, *r)
//
// Archives can also be read remotely with [RemoteSource], which issues HTTP
// range requests instead of downloading the whole file.
//
// # Resolving entries
//
// [Registry.Resolve] returns the plaintext bytes and content type of an
// entry. [NewInterceptor] wraps a Registry as an [net/http.Handler]:
//
//	http.Handle("/___/", epubres.NewInterceptor(reg, nil))
//
// # Licenses
//
// [ParseLicense] parses an LCP license. Its chain of trust (profile,
// certificate window, signature, user key, rights) runs once, on the first
// call to [License.Validate] or [License.ContentKey]; the outcome is
// permanent for that License.
//
// # Caching
//
// [MemoryCache] is the default cache. [BadgerCache] persists entries on
// disk. Entries written under another generation are deleted by
// [Registry.Activate] and never served. Every resolved entry is cached
// unless [WithCachePattern] narrows the set, for example to
// [MediaCachePattern].
//
// # Error Handling
//
// Resolve failures wrap [ErrNotFound] together with the cause, e.g.
// [ErrEntryNotFound], [ErrArchiveOpen], [ErrUnsupportedAlgorithm] or a
// [*LicenseError] naming the failed license step. Cache write failures are
// logged and counted in [Stats], never returned.
package epubres
