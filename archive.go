package epubres

import (
	"archive/zip"
	"context"
	"fmt"
	"strings"
)

// Archive is an opened bundle archive. It only extracts raw entry bytes;
// deobfuscation and decryption happen in Decrypt.
//
// An Archive is safe for concurrent use: the index is built once and
// never mutated, and each extraction opens its own entry reader.
type Archive struct {
	zip      *zip.Reader
	zipExact map[string]*zip.File // exact-match ZIP file index
	zipLower map[string]*zip.File // lowercase ZIP file index
	limit    int64
}

// OpenArchive reads the central directory of src. Any failure wraps
// ErrArchiveOpen.
func OpenArchive(ctx context.Context, src Source) (*Archive, error) {
	ra, size, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArchiveOpen, src.Locator(), err)
	}

	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArchiveOpen, src.Locator(), err)
	}

	return newArchive(zr), nil
}

func newArchive(zr *zip.Reader) *Archive {
	a := &Archive{
		zip:   zr,
		limit: maxDecompressSize,
	}
	a.buildZipIndex()
	return a
}

// Extract returns the stored bytes of the entry at name. The lookup is
// case-insensitive as a fallback. A missing entry wraps ErrEntryNotFound.
func (a *Archive) Extract(name string) ([]byte, error) {
	f := a.findFile(name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return readZipFileWithLimit(f, a.limit)
}

// Has reports whether the archive contains an entry named name.
func (a *Archive) Has(name string) bool {
	return a.findFile(name) != nil
}

// Entries returns the names of all file entries in archive order.
// Directory entries are skipped.
func (a *Archive) Entries() []string {
	names := make([]string, 0, len(a.zip.File))
	for _, f := range a.zip.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// buildZipIndex builds exact-match and lowercase ZIP file indexes for O(1) lookups.
func (a *Archive) buildZipIndex() {
	a.zipExact = make(map[string]*zip.File, len(a.zip.File))
	a.zipLower = make(map[string]*zip.File, len(a.zip.File))
	for _, f := range a.zip.File {
		if _, exists := a.zipExact[f.Name]; !exists {
			a.zipExact[f.Name] = f // first match wins for exact
		}
		lower := strings.ToLower(f.Name)
		if _, exists := a.zipLower[lower]; !exists {
			a.zipLower[lower] = f // first match wins for case-insensitive
		}
	}
}

// findFile looks up a ZIP entry by path using the pre-built index.
// It tries an exact match first, then falls back to a case-insensitive match.
func (a *Archive) findFile(name string) *zip.File {
	if f, ok := a.zipExact[name]; ok {
		return f
	}
	if f, ok := a.zipLower[strings.ToLower(name)]; ok {
		return f
	}
	return nil
}
