package epubres

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Well-known archive paths.
const (
	containerPath      = "META-INF/container.xml"
	encryptionFilePath = "META-INF/encryption.xml"
	licenseFilePath    = "META-INF/license.lcpl"
)

// Algorithm URIs found in encryption.xml.
const (
	// AlgorithmIDPF is IDPF font obfuscation (XOR over the first 1040 bytes).
	AlgorithmIDPF = "http://www.idpf.org/2008/embedding"

	// AlgorithmAdobe is Adobe font obfuscation (XOR over the first 1024 bytes).
	AlgorithmAdobe = "http://ns.adobe.com/pdf/enc#RC"

	// AlgorithmAES256CBC is the LCP resource encryption algorithm.
	AlgorithmAES256CBC = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
)

// Compression@Method values.
const (
	compressionStored  = 0
	compressionDeflate = 8
)

// XML structures for parsing encryption.xml.

type xmlEncryption struct {
	XMLName       xml.Name           `xml:"encryption"`
	EncryptedData []xmlEncryptedData `xml:"EncryptedData"`
}

type xmlEncryptedData struct {
	EncryptionMethod     xmlEncryptionMethod     `xml:"EncryptionMethod"`
	KeyInfo              xmlKeyInfo              `xml:"KeyInfo"`
	CipherData           xmlCipherData           `xml:"CipherData"`
	EncryptionProperties xmlEncryptionProperties `xml:"EncryptionProperties"`
}

type xmlEncryptionMethod struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type xmlKeyInfo struct {
	RetrievalMethod struct {
		URI string `xml:"URI,attr"`
	} `xml:"RetrievalMethod"`
}

type xmlCipherData struct {
	CipherReference struct {
		URI string `xml:"URI,attr"`
	} `xml:"CipherReference"`
}

type xmlEncryptionProperties struct {
	EncryptionProperty []struct {
		Compression []struct {
			Method         string `xml:"Method,attr"`
			OriginalLength string `xml:"OriginalLength,attr"`
		} `xml:"Compression"`
	} `xml:"EncryptionProperty"`
}

// ParseEncryption parses a META-INF/encryption.xml document into item
// descriptors, one per EncryptedData element. CipherReference URIs are
// percent-decoded; entries without a URI are rejected.
func ParseEncryption(doc []byte) ([]ItemDescriptor, error) {
	var enc xmlEncryption
	if err := newXMLDecoder(doc).Decode(&enc); err != nil {
		return nil, fmt.Errorf("epubres: parse encryption.xml: %w", err)
	}

	items := make([]ItemDescriptor, 0, len(enc.EncryptedData))
	for i, ed := range enc.EncryptedData {
		uri := strings.TrimSpace(ed.CipherData.CipherReference.URI)
		if uri == "" {
			return nil, fmt.Errorf("epubres: encryption.xml: EncryptedData #%d has no CipherReference URI", i)
		}
		p, err := url.PathUnescape(uri)
		if err != nil {
			return nil, fmt.Errorf("epubres: encryption.xml: decode entry path %q: %w", uri, err)
		}

		item := ItemDescriptor{
			Path:            strings.TrimPrefix(p, "/"),
			Algorithm:       strings.TrimSpace(ed.EncryptionMethod.Algorithm),
			RetrievalMethod: ed.KeyInfo.RetrievalMethod.URI,
		}

	PropertyLoop:
		for _, prop := range ed.EncryptionProperties.EncryptionProperty {
			for _, c := range prop.Compression {
				method, err := strconv.Atoi(strings.TrimSpace(c.Method))
				if err != nil {
					return nil, fmt.Errorf("epubres: encryption.xml: %s: bad compression method %q", item.Path, c.Method)
				}
				item.Compression = method
				if c.OriginalLength != "" {
					n, err := strconv.ParseInt(strings.TrimSpace(c.OriginalLength), 10, 64)
					if err != nil || n < 0 {
						return nil, fmt.Errorf("epubres: encryption.xml: %s: bad original length %q", item.Path, c.OriginalLength)
					}
					item.OriginalLength = n
				}
				break PropertyLoop
			}
		}

		items = append(items, item)
	}

	return items, nil
}

// isFontObfuscation reports whether algorithm is one of the XOR font
// obfuscation schemes, as opposed to DRM encryption.
func isFontObfuscation(algorithm string) bool {
	return algorithm == AlgorithmIDPF || algorithm == AlgorithmAdobe
}
