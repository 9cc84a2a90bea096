package epubres

import (
	"context"
	"fmt"
)

// Inspect opens src and builds a Registration from the package itself:
// the OPF unique identifier, META-INF/encryption.xml and
// META-INF/license.lcpl when present. Callers add credentials before
// registering.
func Inspect(ctx context.Context, src Source) (*Registration, error) {
	a, err := OpenArchive(ctx, src)
	if err != nil {
		return nil, err
	}

	opfPath, err := locatePackage(a)
	if err != nil {
		return nil, err
	}
	data, err := a.Extract(opfPath)
	if err != nil {
		return nil, fmt.Errorf("epubres: read OPF %s: %w", opfPath, err)
	}
	pkg, err := parseOPF(data)
	if err != nil {
		return nil, err
	}

	reg := &Registration{
		ID:         BundleID(src.Locator()),
		Locator:    src.Locator(),
		Source:     src,
		Title:      pkg.title(),
		Identifier: pkg.uniqueIdentifier(),
	}

	if a.Has(encryptionFilePath) {
		if reg.Encryption, err = a.Extract(encryptionFilePath); err != nil {
			return nil, fmt.Errorf("epubres: read encryption.xml: %w", err)
		}
	}
	if a.Has(licenseFilePath) {
		if reg.License, err = a.Extract(licenseFilePath); err != nil {
			return nil, fmt.Errorf("epubres: read license: %w", err)
		}
	}

	return reg, nil
}
