package epubres

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
)

// buildZipBytes creates an in-memory ZIP archive from the provided files map
// (path → content) and returns its bytes. Entries are written in sorted
// order. It calls t.Fatal on any error.
func buildZipBytes(t testing.TB, files map[string][]byte) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	for _, name := range names {
		fw, err := zw.Create(name)
		if err != nil {
			t.Fatalf("buildZipBytes: create %s: %v", name, err)
		}
		if _, err := fw.Write(files[name]); err != nil {
			t.Fatalf("buildZipBytes: write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("buildZipBytes: close writer: %v", err)
	}
	return buf.Bytes()
}

// buildTestZip creates an in-memory ZIP archive from string contents and
// returns a *zip.Reader over the resulting bytes.
func buildTestZip(t testing.TB, files map[string]string) *zip.Reader {
	t.Helper()
	data := buildZipBytes(t, stringFiles(files))
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("buildTestZip: open reader: %v", err)
	}
	return r
}

// buildTestArchive returns an Archive over string contents.
func buildTestArchive(t testing.TB, files map[string]string) *Archive {
	t.Helper()
	return newArchive(buildTestZip(t, files))
}

// buildTestEPubFile writes an ePub (ZIP) archive to a temporary file and returns
// the file path. The mimetype entry is written first when present.
func buildTestEPubFile(t *testing.T, files map[string]string) string {
	t.Helper()
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	if mt, ok := files["mimetype"]; ok {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
		if err != nil {
			t.Fatalf("buildTestEPubFile: create mimetype: %v", err)
		}
		if _, err := io.WriteString(fw, mt); err != nil {
			t.Fatalf("buildTestEPubFile: write mimetype: %v", err)
		}
	}
	for name, content := range files {
		if name == "mimetype" {
			continue
		}
		fw, err := zw.Create(name)
		if err != nil {
			t.Fatalf("buildTestEPubFile: create %s: %v", name, err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("buildTestEPubFile: write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("buildTestEPubFile: close writer: %v", err)
	}

	dir := t.TempDir()
	fp := filepath.Join(dir, "test.epub")
	if err := os.WriteFile(fp, buf.Bytes(), 0644); err != nil {
		t.Fatalf("buildTestEPubFile: write file: %v", err)
	}
	return fp
}

func stringFiles(files map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(files))
	for k, v := range files {
		out[k] = []byte(v)
	}
	return out
}

// encryptAES256CBC is the inverse of decipherAES256CBC: random IV prepended,
// PKCS#7 padding.
func encryptAES256CBC(t testing.TB, plain, key []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("encryptAES256CBC: %v", err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, aes.BlockSize+len(padded))
	if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
		t.Fatalf("encryptAES256CBC: iv: %v", err)
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], padded)
	return out
}

// deflateRaw compresses data without zlib framing.
func deflateRaw(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatalf("deflateRaw: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("deflateRaw: write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("deflateRaw: close: %v", err)
	}
	return buf.Bytes()
}

// --- LCP license fixtures ---

const (
	testLicenseID  = "f8c5a4f2-lic-0001"
	testPassphrase = "open sesame"
)

// testContentKey is the content key wrapped in every fixture license.
var testContentKey = bytes.Repeat([]byte{0x42}, 32)

// Certificate validity of the fixture signers.
var (
	testCertNotBefore = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	testCertNotAfter  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

type testSigner struct {
	cert      *x509.Certificate
	key       crypto.Signer
	algorithm string
}

var (
	rsaSignerOnce, ecSignerOnce sync.Once
	rsaSigner, ecSigner         *testSigner
)

func newTestSigner(t testing.TB, key crypto.Signer, algorithm string) *testSigner {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test LCP Provider"},
		NotBefore:             testCertNotBefore,
		NotAfter:              testCertNotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &testSigner{cert: cert, key: key, algorithm: algorithm}
}

func testRSASigner(t testing.TB) *testSigner {
	t.Helper()
	rsaSignerOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		rsaSigner = newTestSigner(t, key, signatureRSASHA256)
	})
	return rsaSigner
}

func testECDSASigner(t testing.TB) *testSigner {
	t.Helper()
	ecSignerOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate ECDSA key: %v", err)
		}
		ecSigner = newTestSigner(t, key, signatureECDSASHA256)
	})
	return ecSigner
}

func (s *testSigner) sign(t testing.TB, payload []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(payload)
	switch key := s.key.(type) {
	case *rsa.PrivateKey:
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return sig
	case *ecdsa.PrivateKey:
		r, ss, err := ecdsa.Sign(rand.Reader, key, digest[:])
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		sig := make([]byte, 64)
		r.FillBytes(sig[:32])
		ss.FillBytes(sig[32:])
		return sig
	}
	t.Fatalf("unsupported signer %T", s.key)
	return nil
}

// buildLicense returns a signed license document whose key check and
// content key are wrapped with SHA-256(passphrase). edit, when non-nil,
// changes the document before it is signed.
func buildLicense(t testing.TB, s *testSigner, passphrase string, edit func(doc map[string]any)) []byte {
	t.Helper()
	userKey := sha256.Sum256([]byte(passphrase))
	b64 := base64.StdEncoding.EncodeToString

	doc := map[string]any{
		"id":       testLicenseID,
		"issued":   "2024-01-01T00:00:00Z",
		"provider": "https://provider.example.com",
		"encryption": map[string]any{
			"profile": ProfileBasic,
			"content_key": map[string]any{
				"algorithm":       AlgorithmAES256CBC,
				"encrypted_value": b64(encryptAES256CBC(t, testContentKey, userKey[:])),
			},
			"user_key": map[string]any{
				"algorithm": userKeyAlgorithmSHA256,
				"text_hint": "the magic words",
				"key_check": b64(encryptAES256CBC(t, []byte(testLicenseID), userKey[:])),
			},
		},
		"links": []any{
			map[string]any{"rel": "hint", "href": "https://provider.example.com/hint?a=1&b=<2>"},
		},
		"rights": map[string]any{
			"print": 10,
			"copy":  2048,
		},
	}
	if edit != nil {
		edit(doc)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal license: %v", err)
	}
	doc["signature"] = map[string]any{
		"algorithm":   s.algorithm,
		"certificate": b64(s.cert.Raw),
		"value":       b64(s.sign(t, payload)),
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("marshal license: %v", err)
	}
	return out
}

// tamperLicense rewrites a signed license document without re-signing it.
func tamperLicense(t testing.TB, lic []byte, edit func(doc map[string]any)) []byte {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(lic, &doc); err != nil {
		t.Fatalf("unmarshal license: %v", err)
	}
	edit(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal license: %v", err)
	}
	return out
}

// encryptionXML renders a META-INF/encryption.xml document. Each entry is
// an algorithm URI keyed by entry path; compression applies to LCP entries.
func encryptionXML(entries map[string]string, compression map[string][2]int64) string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<encryption xmlns="urn:oasis:names:tc:opendocument:xmlns:container" xmlns:enc="http://www.w3.org/2001/04/xmlenc#" xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
`)
	for _, p := range paths {
		buf.WriteString(`  <enc:EncryptedData>
    <enc:EncryptionMethod Algorithm="` + entries[p] + `"/>
`)
		if entries[p] == AlgorithmAES256CBC {
			buf.WriteString(`    <ds:KeyInfo><ds:RetrievalMethod URI="license.lcpl#/encryption/content_key" Type="http://readium.org/2014/01/lcp#EncryptedContentKey"/></ds:KeyInfo>
`)
		}
		buf.WriteString(`    <enc:CipherData><enc:CipherReference URI="` + p + `"/></enc:CipherData>
`)
		if c, ok := compression[p]; ok {
			buf.WriteString(`    <enc:EncryptionProperties><enc:EncryptionProperty xmlns:ns="http://www.idpf.org/2016/encryption#compression"><ns:Compression Method="` +
				itoa(c[0]) + `" OriginalLength="` + itoa(c[1]) + `"/></enc:EncryptionProperty></enc:EncryptionProperties>
`)
		}
		buf.WriteString("  </enc:EncryptedData>\n")
	}
	buf.WriteString("</encryption>\n")
	return buf.String()
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// testContainerXML points at OEBPS/content.opf.
const testContainerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

// testOPF returns a minimal package document with the given unique identifier.
func testOPF(identifier string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<package version="3.0" xmlns="http://www.idpf.org/2007/opf" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="isbn">urn:isbn:9780000000000</dc:identifier>
    <dc:identifier id="pub-id">` + identifier + `</dc:identifier>
    <dc:title>Fixture</dc:title>
  </metadata>
  <manifest/>
  <spine/>
</package>`
}
