package epubres

import (
	"fmt"
	"strings"
)

// opfPackage holds the parts of the OPF <package> element needed to
// derive obfuscation keys and describe the bundle.
type opfPackage struct {
	UniqueIdentifier string      `xml:"unique-identifier,attr"`
	Metadata         opfMetadata `xml:"metadata"`
}

type opfMetadata struct {
	Titles      []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ title"`
	Identifiers []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ identifier"`
}

// opfDCElement holds a Dublin Core element.
type opfDCElement struct {
	Value string `xml:",chardata"`
	ID    string `xml:"id,attr"`
}

// parseOPF parses the OPF file content and returns the parsed package structure.
func parseOPF(data []byte) (*opfPackage, error) {
	var pkg opfPackage
	if err := newXMLDecoder(data).Decode(&pkg); err != nil {
		return nil, fmt.Errorf("epubres: parse OPF: %w: %w", ErrInvalidPackage, err)
	}

	return &pkg, nil
}

// uniqueIdentifier returns the dc:identifier referenced by the package's
// unique-identifier attribute, or the first non-empty identifier when the
// reference does not resolve.
func (p *opfPackage) uniqueIdentifier() string {
	var first string
	for _, id := range p.Metadata.Identifiers {
		v := strings.TrimSpace(id.Value)
		if v == "" {
			continue
		}
		if p.UniqueIdentifier != "" && id.ID == p.UniqueIdentifier {
			return v
		}
		if first == "" {
			first = v
		}
	}
	return first
}

// title returns the first non-empty dc:title.
func (p *opfPackage) title() string {
	for _, t := range p.Metadata.Titles {
		if v := strings.TrimSpace(t.Value); v != "" {
			return v
		}
	}
	return ""
}
