package epubres

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func TestArchiveFindFile(t *testing.T) {
	a := buildTestArchive(t, map[string]string{
		"META-INF/container.xml": "<container/>",
		"OEBPS/content.opf":      "<package/>",
		"OEBPS/toc.ncx":          "<ncx/>",
	})

	tests := []struct {
		name   string
		lookup string
		want   string // expected matched Name, or "" if nil
	}{
		{"exact match", "META-INF/container.xml", "META-INF/container.xml"},
		{"case insensitive", "meta-inf/CONTAINER.XML", "META-INF/container.xml"},
		{"mixed case", "oebps/Content.OPF", "OEBPS/content.opf"},
		{"not found", "nonexistent.file", ""},
		{"empty path", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.findFile(tt.lookup)
			if tt.want == "" {
				if got != nil {
					t.Errorf("findFile(%q) = %q; want nil", tt.lookup, got.Name)
				}
				return
			}
			if got == nil {
				t.Fatalf("findFile(%q) = nil; want %q", tt.lookup, tt.want)
			}
			if got.Name != tt.want {
				t.Errorf("findFile(%q).Name = %q; want %q", tt.lookup, got.Name, tt.want)
			}
		})
	}
}

func TestArchiveFindFile_PrefersExactMatch(t *testing.T) {
	// When both exact and case-insensitive matches exist, exact should win.
	a := buildTestArchive(t, map[string]string{
		"File.txt": "exact",
		"file.txt": "lower",
	})

	got := a.findFile("File.txt")
	if got == nil {
		t.Fatal("findFile returned nil; want exact match")
	}
	if got.Name != "File.txt" {
		t.Errorf("got %q; want exact match %q", got.Name, "File.txt")
	}
}

func TestCleanEntryPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"plain", "OEBPS/chapter1.xhtml", "OEBPS/chapter1.xhtml"},
		{"leading slash", "/OEBPS/style.css", "OEBPS/style.css"},
		{"many leading slashes", "///a.css", "a.css"},
		{"dot segments", "OEBPS/./text/../style.css", "OEBPS/style.css"},
		{"trailing slash", "OEBPS/images/", "OEBPS/images"},
		{"empty", "", ""},
		{"root only", "/", ""},
		{"dot", ".", ""},
		{"traversal escapes root", "../secret.txt", ""},
		{"nested traversal", "OEBPS/../../secret.txt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cleanEntryPath(tt.path)
			if got != tt.want {
				t.Errorf("cleanEntryPath(%q) = %q; want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestIsSafePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		safe bool
	}{
		{"normal path", "OEBPS/content.opf", true},
		{"root file", "mimetype", true},
		{"nested", "a/b/c/d.txt", true},
		{"dot", ".", true},
		{"double dot", "..", false},
		{"traversal prefix", "../etc/passwd", false},
		{"deep traversal", "a/../../etc/passwd", false},
		{"absolute path", "/etc/passwd", false},
		{"traversal with trailing", "../", false},
		{"clean traversal", "OEBPS/../../secret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isSafePath(tt.path)
			if got != tt.safe {
				t.Errorf("isSafePath(%q) = %v; want %v", tt.path, got, tt.safe)
			}
		})
	}
}

func TestStripBOM(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{"with BOM", []byte{0xEF, 0xBB, 0xBF, 'h', 'e', 'l', 'l', 'o'}, []byte("hello")},
		{"without BOM", []byte("hello"), []byte("hello")},
		{"empty", []byte{}, []byte{}},
		{"BOM only", []byte{0xEF, 0xBB, 0xBF}, []byte{}},
		{"partial BOM 1 byte", []byte{0xEF}, []byte{0xEF}},
		{"partial BOM 2 bytes", []byte{0xEF, 0xBB}, []byte{0xEF, 0xBB}},
		{"BOM in middle (not stripped)", []byte{'a', 0xEF, 0xBB, 0xBF, 'b'}, []byte{'a', 0xEF, 0xBB, 0xBF, 'b'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripBOM(tt.input)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("stripBOM(%v) = %v; want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestReadZipFileWithLimit(t *testing.T) {
	a := buildTestArchive(t, map[string]string{
		"test.txt":    "hello world",
		"empty.txt":   "",
		"subdir/a.md": "# Title",
	})

	tests := []struct {
		name    string
		entry   string
		want    string
		wantErr bool
	}{
		{"normal file", "test.txt", "hello world", false},
		{"empty file", "empty.txt", "", false},
		{"nested file", "subdir/a.md", "# Title", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := a.findFile(tt.entry)
			if f == nil {
				t.Fatalf("entry %q not found in zip", tt.entry)
			}
			got, err := readZipFileWithLimit(f, maxDecompressSize)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readZipFileWithLimit(%q) err = %v; wantErr = %v", tt.entry, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if string(got) != tt.want {
				t.Errorf("readZipFileWithLimit(%q) = %q; want %q", tt.entry, string(got), tt.want)
			}
		})
	}
}

func TestReadZipFile_ZipBomb(t *testing.T) {
	// Create a ZIP entry whose content exceeds a small limit.
	content := strings.Repeat("A", 200)
	a := buildTestArchive(t, map[string]string{
		"big.txt": content,
	})

	f := a.findFile("big.txt")
	if f == nil {
		t.Fatal("entry not found")
	}

	_, err := readZipFileWithLimit(f, 100)
	if err == nil {
		t.Fatal("readZipFileWithLimit should have returned an error for oversized entry")
	}
	if !strings.Contains(err.Error(), "too large") && !strings.Contains(err.Error(), "exceeds limit") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadZipFile_PathTraversal(t *testing.T) {
	// Manually create a zip.File with a traversal path.
	// We can't easily do this with zip.Writer since it normalizes paths,
	// so we'll test isSafePath directly and trust readZipFileWithLimit calls it.
	if isSafePath("../../../etc/passwd") {
		t.Error("isSafePath should reject traversal path")
	}
	if isSafePath("/absolute/path") {
		t.Error("isSafePath should reject absolute path")
	}
}

// TestBuildTestEPubFile verifies that the file-based helper produces a valid ZIP.
func TestBuildTestEPubFile(t *testing.T) {
	fp := buildTestEPubFile(t, map[string]string{
		"mimetype":                "application/epub+zip",
		"META-INF/container.xml": "<container/>",
	})
	if fp == "" {
		t.Fatal("buildTestEPubFile returned empty path")
	}

	// Verify we can open it as a zip.
	zrc, err := zip.OpenReader(fp)
	if err != nil {
		t.Fatalf("cannot open produced epub: %v", err)
	}
	defer zrc.Close()

	found := false
	for _, f := range zrc.File {
		if f.Name == "mimetype" {
			found = true
		}
	}
	if !found {
		t.Error("mimetype entry not found in produced epub")
	}
}

func TestNewXMLDecoder_Lenient(t *testing.T) {
	var v struct {
		Title string `xml:"title"`
	}
	doc := "\xEF\xBB\xBF<?xml version=\"1.0\" encoding=\"windows-1252\"?><doc><title>Caf\xe9 &mdash; &amp;</title></doc>"
	if err := newXMLDecoder([]byte(doc)).Decode(&v); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if want := "Café \u2014 &"; v.Title != want {
		t.Errorf("Title = %q; want %q", v.Title, want)
	}
}
