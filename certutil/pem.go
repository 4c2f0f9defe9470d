package certutil

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

const certTimeFormat = "Jan _2 15:04:05 2006 MST"

// LoadFromFile returns raw certificate bytes loaded from the file,
// which may be PEM or DER encoded
func LoadFromFile(certFile string) ([]byte, error) {
	b, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	der, err := ParseRaw(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load %s", certFile)
	}
	return der, nil
}

// ParseRaw returns DER bytes of the first certificate in PEM encoded input,
// or the input itself if it is a DER encoded certificate.
// Text around PEM blocks, such as comments or openssl -text output,
// and blocks of other types are ignored.
func ParseRaw(b []byte) ([]byte, error) {
	if bytes.Contains(b, []byte("-----BEGIN")) {
		rest := b
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				return nil, errors.Errorf("unable to parse PEM")
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			crt, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errors.WithMessagef(err, "unable to parse certificate")
			}
			return crt.Raw, nil
		}
	}

	crt, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to parse certificate")
	}
	return crt.Raw, nil
}

// ParseFromPEM returns Certificate parsed from PEM
func ParseFromPEM(bytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(bytes)
	if block == nil || block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
		return nil, errors.Errorf("unable to parse PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to parse certificate")
	}

	return cert, nil
}

// encodeToPEM converts certificate to PEM format, with optional comments
func encodeToPEM(out io.Writer, withComments bool, crt *x509.Certificate) error {
	if withComments {
		fmt.Fprintf(out, "#   Issuer: %s", crt.Issuer.String())
		fmt.Fprintf(out, "\n#   Subject: %s", crt.Subject.String())
		fmt.Fprint(out, "\n#   Validity")
		fmt.Fprintf(out, "\n#       Not Before: %s", crt.NotBefore.UTC().Format(certTimeFormat))
		fmt.Fprintf(out, "\n#       Not After : %s", crt.NotAfter.UTC().Format(certTimeFormat))
		fmt.Fprint(out, "\n")
	}

	err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: crt.Raw})
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// EncodeToPEM converts certificates to PEM format, with optional comments
func EncodeToPEM(out io.Writer, withComments bool, certs ...*x509.Certificate) error {
	for _, crt := range certs {
		if crt != nil {
			err := encodeToPEM(out, withComments, crt)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// EncodeToPEMString converts certificates to PEM format, with optional comments
func EncodeToPEMString(withComments bool, certs ...*x509.Certificate) (string, error) {
	if len(certs) == 0 || certs[0] == nil {
		return "", nil
	}

	b := bytes.NewBuffer([]byte{})
	err := EncodeToPEM(b, withComments, certs...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
