package epubres

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"
)

// Supported LCP profiles.
const (
	ProfileBasic = "http://readium.org/lcp/basic-profile"
	Profile10    = "http://readium.org/lcp/profile-1.0"
)

// Algorithm URIs used inside license documents.
const (
	userKeyAlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	signatureRSASHA256     = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	signatureECDSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
)

// LicenseState is a position in the license validation chain.
type LicenseState int

// States in chain order. StateFailed is terminal.
const (
	StateCreated LicenseState = iota
	StateProfileChecked
	StateCertificateChecked
	StateSignatureChecked
	StateKeyDerived
	StateRightsChecked
	StateReady
	StateFailed
)

func (s LicenseState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateProfileChecked:
		return "profile"
	case StateCertificateChecked:
		return "certificate"
	case StateSignatureChecked:
		return "signature"
	case StateKeyDerived:
		return "user-key"
	case StateRightsChecked:
		return "rights"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("LicenseState(%d)", int(s))
}

// licenseDocument holds the license fields the validator reads. Binary
// values are base64 in the document and decoded by encoding/json.
type licenseDocument struct {
	ID         string     `json:"id"`
	Issued     time.Time  `json:"issued"`
	Updated    *time.Time `json:"updated,omitempty"`
	Provider   string     `json:"provider"`
	Encryption struct {
		Profile    string `json:"profile"`
		ContentKey struct {
			Algorithm      string `json:"algorithm"`
			EncryptedValue []byte `json:"encrypted_value"`
		} `json:"content_key"`
		UserKey struct {
			Algorithm string `json:"algorithm"`
			TextHint  string `json:"text_hint"`
			KeyCheck  []byte `json:"key_check"`
		} `json:"user_key"`
	} `json:"encryption"`
	Rights *struct {
		Start *time.Time `json:"start,omitempty"`
		End   *time.Time `json:"end,omitempty"`
	} `json:"rights,omitempty"`
	Signature struct {
		Algorithm   string `json:"algorithm"`
		Certificate []byte `json:"certificate"`
		Value       []byte `json:"value"`
	} `json:"signature"`
}

// LicenseOption configures a License.
type LicenseOption func(*licenseOptions)

type licenseOptions struct {
	passphrase string
	userKey    []byte
	profiles   []string
	roots      *x509.CertPool
	now        func() time.Time
	observer   func(LicenseState)
}

// WithPassphrase sets the reader passphrase the user key is derived from.
func WithPassphrase(passphrase string) LicenseOption {
	return func(o *licenseOptions) { o.passphrase = passphrase }
}

// WithUserKey supplies an already derived user key, bypassing passphrase
// hashing.
func WithUserKey(key []byte) LicenseOption {
	return func(o *licenseOptions) { o.userKey = append([]byte(nil), key...) }
}

// WithProfiles replaces the accepted profile list.
func WithProfiles(profiles ...string) LicenseOption {
	return func(o *licenseOptions) { o.profiles = append([]string(nil), profiles...) }
}

// WithRootCertificates makes the certificate step also verify the
// provider certificate chains to one of roots at the license date.
func WithRootCertificates(roots *x509.CertPool) LicenseOption {
	return func(o *licenseOptions) { o.roots = roots }
}

// WithLicenseClock sets the clock used for the rights window.
func WithLicenseClock(now func() time.Time) LicenseOption {
	return func(o *licenseOptions) { o.now = now }
}

// WithStepObserver registers f to be called with each step's target state
// right before the step runs.
func WithStepObserver(f func(LicenseState)) LicenseOption {
	return func(o *licenseOptions) { o.observer = f }
}

// License is a parsed LCP license bound to one set of reader credentials.
// Validation and content key derivation run at most once; their outcome,
// success or failure, is permanent. To retry with another passphrase,
// parse a new License.
//
// A License is safe for concurrent use.
type License struct {
	raw  []byte
	doc  licenseDocument
	tree *jsonNode
	opts licenseOptions

	once       sync.Once
	mu         sync.Mutex
	state      LicenseState
	err        error
	cert       *x509.Certificate
	userKey    []byte
	contentKey []byte
}

// ParseLicense parses an LCP license document. Structural problems wrap
// ErrInvalidLicense; no chain-of-trust check runs until Validate or
// ContentKey is called.
func ParseLicense(doc []byte, opts ...LicenseOption) (*License, error) {
	l := &License{
		raw:   append([]byte(nil), doc...),
		state: StateCreated,
		opts: licenseOptions{
			profiles: []string{ProfileBasic, Profile10},
			now:      time.Now,
		},
	}
	for _, o := range opts {
		o(&l.opts)
	}

	if err := json.Unmarshal(doc, &l.doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLicense, err)
	}
	tree, err := parseJSONTree(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLicense, err)
	}
	if tree.kind != jsonObject {
		return nil, fmt.Errorf("%w: document is not a JSON object", ErrInvalidLicense)
	}
	if l.doc.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidLicense)
	}
	l.tree = tree

	return l, nil
}

// ID returns the license identifier.
func (l *License) ID() string { return l.doc.ID }

// Profile returns the declared encryption profile.
func (l *License) Profile() string { return l.doc.Encryption.Profile }

// TextHint returns the passphrase hint shown to readers.
func (l *License) TextHint() string { return l.doc.Encryption.UserKey.TextHint }

// Raw returns the original license document.
func (l *License) Raw() []byte { return l.raw }

// State returns the furthest state reached, or StateFailed.
func (l *License) State() LicenseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the failure recorded by validation, if any.
func (l *License) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Validate runs the chain of trust and unwraps the content key. The
// returned error is a *LicenseError naming the failed step.
func (l *License) Validate() error {
	_, err := l.ContentKey()
	return err
}

// ContentKey returns the unwrapped content key, validating the license on
// first use.
func (l *License) ContentKey() ([]byte, error) {
	l.once.Do(l.run)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.contentKey, nil
}

type licenseStep struct {
	state LicenseState
	check func(*License) error
}

// licenseChain lists the checks in order; each requires the previous one.
var licenseChain = []licenseStep{
	{StateProfileChecked, (*License).checkProfile},
	{StateCertificateChecked, (*License).checkCertificate},
	{StateSignatureChecked, (*License).checkSignature},
	{StateKeyDerived, (*License).deriveUserKey},
	{StateRightsChecked, (*License).checkRights},
}

func (l *License) run() {
	for _, step := range licenseChain {
		if l.opts.observer != nil {
			l.opts.observer(step.state)
		}
		if err := step.check(l); err != nil {
			l.fail(step.state, err)
			return
		}
		l.setState(step.state)
	}

	if l.opts.observer != nil {
		l.opts.observer(StateReady)
	}
	key, err := unwrapContentKey(l.doc.Encryption.ContentKey.EncryptedValue, l.doc.Encryption.ContentKey.Algorithm, l.userKey)
	if err != nil {
		l.fail(StateReady, err)
		return
	}

	l.mu.Lock()
	l.contentKey = key
	l.state = StateReady
	l.mu.Unlock()
}

func (l *License) setState(s LicenseState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *License) fail(step LicenseState, err error) {
	l.mu.Lock()
	l.state = StateFailed
	l.err = &LicenseError{Step: step, Err: err}
	l.mu.Unlock()
}

func (l *License) checkProfile() error {
	if !slices.Contains(l.opts.profiles, l.doc.Encryption.Profile) {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, l.doc.Encryption.Profile)
	}
	return nil
}

// timestamp is the date the certificate window applies to.
func (l *License) timestamp() time.Time {
	if l.doc.Updated != nil && !l.doc.Updated.IsZero() {
		return *l.doc.Updated
	}
	return l.doc.Issued
}

func (l *License) checkCertificate() error {
	if len(l.doc.Signature.Certificate) == 0 {
		return fmt.Errorf("%w: missing signature certificate", ErrInvalidLicense)
	}
	cert, err := x509.ParseCertificate(l.doc.Signature.Certificate)
	if err != nil {
		return fmt.Errorf("%w: parse certificate: %w", ErrInvalidLicense, err)
	}

	ts := l.timestamp()
	if ts.Before(cert.NotBefore) {
		return &CertificateWindowError{Bound: BoundBefore, Timestamp: ts, NotBefore: cert.NotBefore, NotAfter: cert.NotAfter}
	}
	if ts.After(cert.NotAfter) {
		return &CertificateWindowError{Bound: BoundAfter, Timestamp: ts, NotBefore: cert.NotBefore, NotAfter: cert.NotAfter}
	}

	if l.opts.roots != nil {
		_, err := cert.Verify(x509.VerifyOptions{
			Roots:       l.opts.roots,
			CurrentTime: ts,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			return fmt.Errorf("%w: certificate chain: %w", ErrInvalidSignature, err)
		}
	}

	l.cert = cert
	return nil
}

func (l *License) checkSignature() error {
	sig := l.doc.Signature.Value
	if len(sig) == 0 {
		return fmt.Errorf("%w: missing signature value", ErrInvalidSignature)
	}

	payload, err := l.tree.without("signature").canonical()
	if err != nil {
		return fmt.Errorf("%w: canonicalize: %w", ErrInvalidLicense, err)
	}
	digest := sha256.Sum256(payload)

	switch l.doc.Signature.Algorithm {
	case signatureRSASHA256:
		pub, ok := l.cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s signature with %T key", ErrInvalidSignature, l.doc.Signature.Algorithm, l.cert.PublicKey)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
	case signatureECDSASHA256:
		pub, ok := l.cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s signature with %T key", ErrInvalidSignature, l.doc.Signature.Algorithm, l.cert.PublicKey)
		}
		if !verifyECDSA(pub, digest[:], sig) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("epubres: signature algorithm %q: %w", l.doc.Signature.Algorithm, ErrUnsupportedAlgorithm)
	}
	return nil
}

// verifyECDSA accepts both the raw r||s encoding used by LCP servers and
// ASN.1 DER signatures.
func verifyECDSA(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) == 2*size {
		r := new(big.Int).SetBytes(sig[:size])
		s := new(big.Int).SetBytes(sig[size:])
		return ecdsa.Verify(pub, digest, r, s)
	}
	return ecdsa.VerifyASN1(pub, digest, sig)
}

func (l *License) deriveUserKey() error {
	switch {
	case len(l.opts.userKey) > 0:
		l.userKey = l.opts.userKey
	case l.opts.passphrase != "":
		if alg := l.doc.Encryption.UserKey.Algorithm; alg != "" && alg != userKeyAlgorithmSHA256 {
			return fmt.Errorf("epubres: user key algorithm %q: %w", alg, ErrUnsupportedAlgorithm)
		}
		sum := sha256.Sum256([]byte(l.opts.passphrase))
		l.userKey = sum[:]
	default:
		return fmt.Errorf("%w: no passphrase supplied", ErrBadPassphrase)
	}

	if len(l.doc.Encryption.UserKey.KeyCheck) == 0 {
		return nil
	}
	check, err := decipherAES256CBC(l.doc.Encryption.UserKey.KeyCheck, l.userKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadPassphrase, err)
	}
	if string(check) != l.doc.ID {
		return fmt.Errorf("%w: key check does not match license id", ErrBadPassphrase)
	}
	return nil
}

func (l *License) checkRights() error {
	r := l.doc.Rights
	if r == nil {
		return nil
	}
	now := l.opts.now()
	if r.Start != nil && now.Before(*r.Start) {
		return fmt.Errorf("%w: not valid before %s", ErrRightsWindow, r.Start.Format(time.RFC3339))
	}
	if r.End != nil && now.After(*r.End) {
		return fmt.Errorf("%w: expired at %s", ErrRightsWindow, r.End.Format(time.RFC3339))
	}
	return nil
}
