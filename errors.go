package epubres

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the epubres package.
var (
	// ErrNotFound is returned by Registry.Resolve whenever a resource cannot
	// be produced. The underlying cause is wrapped alongside it.
	ErrNotFound = errors.New("epubres: resource not found")

	// ErrBundleNotFound indicates no bundle is registered under the requested ID.
	ErrBundleNotFound = errors.New("epubres: bundle not registered")

	// ErrArchiveOpen indicates the archive central directory could not be read.
	// The bundle stays unusable until it is registered again.
	ErrArchiveOpen = errors.New("epubres: cannot open archive")

	// ErrInvalidPackage indicates container.xml or the OPF package document
	// is missing or cannot be used to inspect a bundle.
	ErrInvalidPackage = errors.New("epubres: invalid package document")

	// ErrEntryNotFound indicates the requested path does not exist in the archive.
	ErrEntryNotFound = errors.New("epubres: entry not found in archive")

	// ErrUnsupportedAlgorithm indicates an encryption, key, signature or
	// compression algorithm this package cannot process.
	ErrUnsupportedAlgorithm = errors.New("epubres: unsupported algorithm")

	// ErrLicenseRequired indicates an entry is DRM encrypted but the bundle
	// was registered without a license document.
	ErrLicenseRequired = errors.New("epubres: encrypted entry requires a license")

	// ErrInvalidLicense indicates the license document is malformed.
	ErrInvalidLicense = errors.New("epubres: invalid license document")

	// ErrUnknownProfile indicates the license declares a profile outside the
	// supported set.
	ErrUnknownProfile = errors.New("epubres: unknown license profile")

	// ErrCertificateWindow indicates the license was issued outside the
	// validity window of its certificate. See CertificateWindowError.
	ErrCertificateWindow = errors.New("epubres: license date outside certificate validity")

	// ErrInvalidSignature indicates the license signature does not verify
	// against the embedded certificate.
	ErrInvalidSignature = errors.New("epubres: invalid license signature")

	// ErrBadPassphrase indicates the user key does not decrypt the license
	// key check to the license ID.
	ErrBadPassphrase = errors.New("epubres: bad passphrase or key")

	// ErrRightsWindow indicates the current time falls outside the license
	// rights start/end window.
	ErrRightsWindow = errors.New("epubres: license rights window not satisfied")

	// ErrCacheWrite indicates a cache store failed. It is never returned from
	// Resolve; it is only logged and counted.
	ErrCacheWrite = errors.New("epubres: cache write failed")
)

// LicenseError reports the license validation step that failed.
type LicenseError struct {
	// Step is the state the license would have entered had the check passed.
	Step LicenseState
	Err  error
}

func (e *LicenseError) Error() string {
	return fmt.Sprintf("epubres: license check %s failed: %v", e.Step, e.Err)
}

func (e *LicenseError) Unwrap() error { return e.Err }

// Certificate window bounds reported by CertificateWindowError.
const (
	BoundBefore = "before"
	BoundAfter  = "after"
)

// CertificateWindowError is returned when the license timestamp falls
// before NotBefore (Bound == BoundBefore) or after NotAfter
// (Bound == BoundAfter) of the signing certificate.
type CertificateWindowError struct {
	Bound     string
	Timestamp time.Time
	NotBefore time.Time
	NotAfter  time.Time
}

func (e *CertificateWindowError) Error() string {
	if e.Bound == BoundBefore {
		return fmt.Sprintf("epubres: license issued before certificate validity (%s < %s)",
			e.Timestamp.Format(time.RFC3339), e.NotBefore.Format(time.RFC3339))
	}
	return fmt.Sprintf("epubres: license issued after certificate expiry (%s > %s)",
		e.Timestamp.Format(time.RFC3339), e.NotAfter.Format(time.RFC3339))
}

func (e *CertificateWindowError) Unwrap() error { return ErrCertificateWindow }
