package epubres

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// EncryptionSpec describes how a protected entry is decrypted. The set of
// implementations is closed: IdpfXor, AdobeXor, LcpAes and Unsupported.
type EncryptionSpec interface {
	// URI returns the algorithm URI this value was built from.
	URI() string

	isEncryptionSpec()
}

// IdpfXor is IDPF font obfuscation.
type IdpfXor struct {
	Key []byte
}

// AdobeXor is Adobe font obfuscation.
type AdobeXor struct {
	Key []byte
}

// LcpAes is Readium LCP AES-256-CBC encryption. The content key comes
// from License.
type LcpAes struct {
	License        *License
	Compression    int
	OriginalLength int64
}

// Unsupported records a descriptor whose algorithm cannot be decrypted.
// Decrypting it always fails with ErrUnsupportedAlgorithm.
type Unsupported struct {
	Algorithm string
}

func (IdpfXor) URI() string       { return AlgorithmIDPF }
func (AdobeXor) URI() string      { return AlgorithmAdobe }
func (LcpAes) URI() string        { return AlgorithmAES256CBC }
func (s Unsupported) URI() string { return s.Algorithm }

func (IdpfXor) isEncryptionSpec()     {}
func (AdobeXor) isEncryptionSpec()    {}
func (LcpAes) isEncryptionSpec()      {}
func (Unsupported) isEncryptionSpec() {}

// ObfuscationKeys holds the XOR keys derived from a book identifier.
type ObfuscationKeys struct {
	// IDPF is the SHA-1 of the identifier with whitespace removed.
	IDPF []byte

	// Adobe is the 16 raw bytes of the identifier's UUID, or nil when the
	// identifier is not a UUID.
	Adobe []byte
}

// DeriveObfuscationKeys computes the IDPF and Adobe obfuscation keys for
// a package unique identifier.
func DeriveObfuscationKeys(identifier string) ObfuscationKeys {
	if identifier == "" {
		return ObfuscationKeys{}
	}

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, identifier)
	sum := sha1.Sum([]byte(cleaned))

	keys := ObfuscationKeys{IDPF: sum[:]}
	if u, err := uuid.Parse(strings.TrimSpace(identifier)); err == nil {
		keys.Adobe = append([]byte(nil), u[:]...)
	}
	return keys
}

// Manifest maps entry paths to their EncryptionSpec. It is immutable once
// built and safe for concurrent use. A nil *Manifest protects nothing.
type Manifest struct {
	specs map[string]EncryptionSpec
}

// BuildManifest builds a Manifest from item descriptors. XOR items use
// their literal Key when present, otherwise the matching key in keys. DRM
// items require lic and fail with ErrLicenseRequired without one.
// Unknown algorithms become Unsupported entries rather than errors.
func BuildManifest(items []ItemDescriptor, keys ObfuscationKeys, lic *License) (*Manifest, error) {
	m := &Manifest{specs: make(map[string]EncryptionSpec, len(items))}

	for _, item := range items {
		name := cleanEntryPath(item.Path)
		if name == "" {
			return nil, fmt.Errorf("epubres: manifest: unsafe or empty entry path %q", item.Path)
		}

		var spec EncryptionSpec
		switch item.Algorithm {
		case AlgorithmIDPF:
			key := item.Key
			if len(key) == 0 {
				key = keys.IDPF
			}
			spec = IdpfXor{Key: append([]byte(nil), key...)}
		case AlgorithmAdobe:
			key := item.Key
			if len(key) == 0 {
				key = keys.Adobe
			}
			spec = AdobeXor{Key: append([]byte(nil), key...)}
		case AlgorithmAES256CBC:
			if lic == nil {
				return nil, fmt.Errorf("epubres: manifest: %s: %w", name, ErrLicenseRequired)
			}
			spec = LcpAes{
				License:        lic,
				Compression:    item.Compression,
				OriginalLength: item.OriginalLength,
			}
		default:
			spec = Unsupported{Algorithm: item.Algorithm}
		}

		m.specs[name] = spec
	}

	return m, nil
}

// Lookup returns the EncryptionSpec protecting name. ok is false when the entry is
// not protected and must be served as stored.
func (m *Manifest) Lookup(name string) (spec EncryptionSpec, ok bool) {
	if m == nil {
		return nil, false
	}
	spec, ok = m.specs[cleanEntryPath(name)]
	return spec, ok
}

// Len returns the number of protected entries.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.specs)
}

// Paths returns the protected entry paths in sorted order.
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.specs))
	for p := range m.specs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// counts returns the number of obfuscated fonts and of other protected
// entries.
func (m *Manifest) counts() (fonts, drm int) {
	if m == nil {
		return 0, 0
	}
	for _, spec := range m.specs {
		if isFontObfuscation(spec.URI()) {
			fonts++
		} else {
			drm++
		}
	}
	return fonts, drm
}
