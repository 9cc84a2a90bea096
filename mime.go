package epubres

import (
	"path"
	"strings"
)

// defaultMimeType is served for unknown or missing extensions.
const defaultMimeType = "application/octet-stream"

var mimeTypes = map[string]string{
	"css":   "text/css",
	"epub":  "application/epub+zip",
	"eot":   "application/vnd.ms-fontobject",
	"gif":   "image/gif",
	"htm":   "text/html",
	"html":  "text/html",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "application/javascript",
	"m4a":   "audio/mp4",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"ncx":   "application/x-dtbncx+xml",
	"opf":   "application/oebps-package+xml",
	"otf":   "font/otf",
	"png":   "image/png",
	"smil":  "application/smil+xml",
	"svg":   "image/svg+xml",
	"ttf":   "application/x-font-truetype",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xhtml": "application/xhtml+xml",
	"xml":   "application/xml",
}

// MimeType returns the content type for an entry path based on its
// extension. Matching is case-insensitive; unknown extensions map to
// application/octet-stream.
func MimeType(name string) string {
	ext := path.Ext(name)
	if len(ext) < 2 {
		return defaultMimeType
	}
	if mt, ok := mimeTypes[strings.ToLower(ext[1:])]; ok {
		return mt
	}
	return defaultMimeType
}
