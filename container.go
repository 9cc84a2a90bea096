package epubres

import (
	"fmt"
	"strings"
)

// containerXML models the META-INF/container.xml file used to locate the OPF.
type containerXML struct {
	RootFiles []rootFile `xml:"rootfiles>rootfile"`
}

// rootFile represents a single <rootfile> element inside container.xml.
type rootFile struct {
	FullPath  string `xml:"full-path,attr"`
	MediaType string `xml:"media-type,attr"`
}

const packageMediaType = "application/oebps-package+xml"

// locatePackage returns the path of the OPF package document in a.
//
// It first tries META-INF/container.xml (case-insensitive lookup). If the file
// is missing, it falls back to scanning all entries for a ".opf" file.
// Returns a wrapped ErrInvalidPackage if no OPF path can be determined.
func locatePackage(a *Archive) (string, error) {
	if a.Has(containerPath) {
		data, err := a.Extract(containerPath)
		if err != nil {
			return "", fmt.Errorf("epubres: read container.xml: %w", err)
		}
		return parseContainerXML(data)
	}

	return fallbackFindOPF(a)
}

// parseContainerXML decodes container.xml, returning the full-path of the
// first package rootfile, or of the first non-empty rootfile otherwise.
func parseContainerXML(data []byte) (string, error) {
	var c containerXML
	if err := newXMLDecoder(data).Decode(&c); err != nil {
		return "", fmt.Errorf("epubres: parse container.xml: %w: %w", ErrInvalidPackage, err)
	}

	if len(c.RootFiles) == 0 {
		return "", fmt.Errorf("epubres: container.xml has no rootfile entries: %w", ErrInvalidPackage)
	}

	var fallbackPath string
	for _, rf := range c.RootFiles {
		fullPath := strings.TrimSpace(rf.FullPath)
		if fullPath == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(rf.MediaType), packageMediaType) {
			return fullPath, nil
		}
		if fallbackPath == "" {
			fallbackPath = fullPath
		}
	}

	if fallbackPath == "" {
		return "", fmt.Errorf("epubres: container.xml rootfile has empty full-path: %w", ErrInvalidPackage)
	}

	return fallbackPath, nil
}

// fallbackFindOPF returns the first entry ending in ".opf" (case-insensitive).
func fallbackFindOPF(a *Archive) (string, error) {
	for _, name := range a.Entries() {
		if strings.HasSuffix(strings.ToLower(name), ".opf") {
			return name, nil
		}
	}
	return "", fmt.Errorf("epubres: no OPF file found in archive: %w", ErrInvalidPackage)
}
