package epubres

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// bundleIDKey domain-separates bundle IDs from other keyed hashes.
var bundleIDKey = func() []byte {
	key := make([]byte, 32)
	copy(key, "epubres.bundle")
	return key
}()

// BundleID derives a stable bundle ID from a source locator: the first 16
// bytes of a keyed BLAKE3 hash, hex encoded. The result only contains
// word characters and can be used directly in interceptor URLs.
func BundleID(locator string) string {
	h, err := blake3.NewKeyed(bundleIDKey)
	if err != nil {
		panic("epubres: blake3 keyed hasher: " + err.Error())
	}
	h.Write([]byte(locator))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
