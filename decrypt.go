package epubres

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Obfuscated prefix lengths.
const (
	idpfPrefixLen  = 1040
	adobePrefixLen = 1024
)

// contentKeySize is the AES-256 key length used by LCP.
const contentKeySize = 32

// Decrypt returns the plaintext of data protected by spec. contentKey is
// only used by LcpAes and must be the key returned by License.ContentKey.
// A nil spec returns data unchanged. data is never modified.
func Decrypt(data []byte, spec EncryptionSpec, contentKey []byte) ([]byte, error) {
	switch s := spec.(type) {
	case nil:
		return data, nil
	case IdpfXor:
		return deobfuscate(data, s.Key, idpfPrefixLen)
	case AdobeXor:
		return deobfuscate(data, s.Key, adobePrefixLen)
	case LcpAes:
		return decryptLCP(data, contentKey, s.Compression, s.OriginalLength)
	case Unsupported:
		return nil, fmt.Errorf("epubres: decrypt %q: %w", s.Algorithm, ErrUnsupportedAlgorithm)
	default:
		return nil, fmt.Errorf("epubres: decrypt %T: %w", spec, ErrUnsupportedAlgorithm)
	}
}

// deobfuscate XORs the first prefix bytes of data with the repeating key.
// Applying it twice restores the input.
func deobfuscate(data, key []byte, prefix int) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("epubres: deobfuscate: empty obfuscation key")
	}

	out := make([]byte, len(data))
	copy(out, data)

	n := min(prefix, len(out))
	for i := 0; i < n; i++ {
		out[i] ^= key[i%len(key)]
	}
	return out, nil
}

// decryptLCP deciphers an LCP resource and inflates it when compression
// is deflate. Stored (method 0) resources pass through as deciphered.
func decryptLCP(data, contentKey []byte, compression int, originalLength int64) ([]byte, error) {
	if len(contentKey) != contentKeySize {
		return nil, fmt.Errorf("epubres: decrypt resource: content key is %d bytes, want %d", len(contentKey), contentKeySize)
	}

	plain, err := decipherAES256CBC(data, contentKey)
	if err != nil {
		return nil, fmt.Errorf("epubres: decrypt resource: %w", err)
	}

	switch compression {
	case compressionStored:
		return plain, nil
	case compressionDeflate:
		return inflate(plain, originalLength)
	default:
		return nil, fmt.Errorf("epubres: compression method %d: %w", compression, ErrUnsupportedAlgorithm)
	}
}

// unwrapContentKey deciphers the license content key with the user key.
func unwrapContentKey(encrypted []byte, algorithm string, userKey []byte) ([]byte, error) {
	if algorithm != AlgorithmAES256CBC {
		return nil, fmt.Errorf("epubres: content key algorithm %q: %w", algorithm, ErrUnsupportedAlgorithm)
	}

	key, err := decipherAES256CBC(encrypted, userKey)
	if err != nil {
		return nil, fmt.Errorf("epubres: decrypt content key: %w", err)
	}
	if len(key) != contentKeySize {
		return nil, fmt.Errorf("epubres: content key is %d bytes, want %d", len(key), contentKeySize)
	}
	return key, nil
}

// decipherAES256CBC decrypts data whose first block is the IV and strips
// the PKCS#7 padding.
func decipherAES256CBC(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error creating cipher: %w", err)
	}

	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid ciphertext length %d", len(data))
	}

	iv, cipherData := data[:aes.BlockSize], data[aes.BlockSize:]

	res := make([]byte, len(cipherData))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(res, cipherData)

	paddingLen := int(res[len(res)-1])
	if paddingLen == 0 || paddingLen > aes.BlockSize || paddingLen > len(res) {
		return nil, fmt.Errorf("invalid padding length %d (data length is %d)", paddingLen, len(res))
	}
	for _, b := range res[len(res)-paddingLen:] {
		if int(b) != paddingLen {
			return nil, errors.New("invalid padding")
		}
	}

	return res[:len(res)-paddingLen], nil
}

// inflate raw-inflates data. When originalLength is known, the output is
// bounded by it and must match it exactly.
func inflate(data []byte, originalLength int64) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()

	limit := maxDecompressSize
	if originalLength > 0 {
		limit = originalLength
	}

	out, err := io.ReadAll(io.LimitReader(fr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("epubres: inflate resource: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("epubres: inflate resource: output exceeds %d bytes", limit)
	}
	if originalLength > 0 && int64(len(out)) != originalLength {
		return nil, fmt.Errorf("epubres: inflate resource: got %d bytes, declared %d", len(out), originalLength)
	}
	return out, nil
}
