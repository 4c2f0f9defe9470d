package certutil

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
)

// FindExtension returns extension, or nil
func FindExtension(list []pkix.Extension, oid asn1.ObjectIdentifier) *pkix.Extension {
	for idx, e := range list {
		if e.Id.Equal(oid) {
			return &list[idx]
		}
	}
	return nil
}

// HasExtension returns true if the certificate carries the extension,
// whether or not the parser understood it
func HasExtension(crt *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	return FindExtension(crt.Extensions, oid) != nil
}
