package epubres

// Resource is a resolved entry: the bytes served to the reading
// application and their content type.
type Resource struct {
	// Data holds the deobfuscated or decrypted entry bytes. Callers must
	// treat it as read-only; the same slice may be shared with the cache.
	Data []byte

	// MimeType is the content type derived from the entry extension.
	MimeType string
}

// ItemDescriptor describes one protected entry, either as parsed from
// META-INF/encryption.xml or as supplied in a registration message.
type ItemDescriptor struct {
	// Path is the entry path inside the archive (percent-decoded).
	Path string

	// Algorithm is the algorithm URI from EncryptionMethod@Algorithm.
	Algorithm string

	// Key is a literal obfuscation key for the XOR algorithms. When empty,
	// the key derived from the book identifier is used.
	Key []byte

	// Compression is the Compression@Method value: 0 for stored, 8 for
	// deflate. Only meaningful for DRM encrypted entries.
	Compression int

	// OriginalLength is Compression@OriginalLength, or 0 when absent.
	OriginalLength int64

	// RetrievalMethod is the KeyInfo RetrievalMethod@URI, e.g.
	// "license.lcpl#/encryption/content_key" for LCP.
	RetrievalMethod string
}

// Registration is the message registering a bundle with a Registry.
type Registration struct {
	// ID is the bundle ID. When empty it is derived from Locator with BundleID.
	ID string

	// Locator names the book source (URL or file name).
	Locator string

	// Source provides the archive bytes. Required.
	Source Source

	// Title is the publication title. It is informational only.
	Title string

	// Identifier is the package's unique identifier. Obfuscation keys are
	// derived from it.
	Identifier string

	// Encryption holds the META-INF/encryption.xml document, if any.
	Encryption []byte

	// EncryptedItems lists protected entries keyed by path. Entries here
	// override those parsed from Encryption.
	EncryptedItems map[string]ItemDescriptor

	// License holds the LCP license document (META-INF/license.lcpl), if any.
	License []byte

	// Passphrase is the reader's LCP passphrase.
	Passphrase string

	// UserKey is an already derived LCP user key. It takes precedence over
	// Passphrase.
	UserKey []byte
}

// Stats holds resolution counters for a Registry.
type Stats struct {
	// Opens counts archive central-directory reads.
	Opens uint64

	// Extracts counts entry extractions from archives.
	Extracts uint64

	// Decrypts counts deobfuscation and decryption runs.
	Decrypts uint64

	// CacheHits and CacheMisses count cache lookups for cacheable paths.
	CacheHits   uint64
	CacheMisses uint64

	// CacheWriteFailures counts swallowed cache store errors.
	CacheWriteFailures uint64
}
