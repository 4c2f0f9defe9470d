package certutil

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/oid"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "certutil")

// Purpose is a bitmask of signing purposes
type Purpose int

// Purposes
const (
	// Authentication is TLS client authentication
	Authentication Purpose = 1 << iota
	// Signing is non-repudiation signature
	Signing
	// Both is Authentication or Signing
	Both = Authentication | Signing
)

// String returns the purpose name
func (p Purpose) String() string {
	switch p {
	case Authentication:
		return "auth"
	case Signing:
		return "sign"
	case Both:
		return "both"
	}
	return "none"
}

// ParsePurpose returns Purpose from its name
func ParsePurpose(s string) (Purpose, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "auth", "authentication":
		return Authentication, nil
	case "s", "sign", "signing":
		return Signing, nil
	case "", "both", "any":
		return Both, nil
	}
	return 0, errors.Errorf("unsupported purpose: %q", s)
}

// clientAuthHex is DER encoding of 1.3.6.1.5.5.7.3.2 OID
const clientAuthHex = "06082b06010505070302"

// OUDigitalSignature marks a signing certificate of the issuers that
// do not set the non-repudiation key usage
const OUDigitalSignature = "digital signature"

// Usage describes signing roles of a certificate
type Usage struct {
	IsCA           bool
	ClientAuth     bool
	NonRepudiation bool
}

// ParseUsage returns Usage of DER encoded certificate
func ParseUsage(der []byte) (*Usage, error) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to parse certificate")
	}
	return CertificateUsage(crt), nil
}

// CertificateUsage returns Usage of the certificate.
// A certificate without Basic Constraints extension is treated as CA.
func CertificateUsage(crt *x509.Certificate) *Usage {
	u := &Usage{
		IsCA: true,
	}

	if HasExtension(crt, oid.ExtensionBasicConstraints) {
		u.IsCA = crt.IsCA
	}

	names := oid.ExtKeyUsages(crt.ExtKeyUsage...)
	u.ClientAuth = HasClientAuth(FindExtension(crt.Extensions, oid.ExtensionExtendedKeyUsage), names)

	u.NonRepudiation = crt.KeyUsage&x509.KeyUsageContentCommitment != 0
	if !u.NonRepudiation && len(crt.Subject.OrganizationalUnit) > 0 &&
		crt.Subject.OrganizationalUnit[0] == OUDigitalSignature {
		u.NonRepudiation = true
	}

	logger.KV(xlog.DEBUG,
		"subject", crt.Subject.String(),
		"ca", u.IsCA,
		"auth", u.ClientAuth,
		"nonrepudiation", u.NonRepudiation)
	return u
}

// HasClientAuth returns true if the Extended Key Usage contains
// TLS client authentication, either in the list of decoded usage names,
// or in the raw extension value
func HasClientAuth(eku *pkix.Extension, names []string) bool {
	for _, name := range oid.ClientAuthNames {
		if slices.ContainsString(names, name) {
			return true
		}
	}
	if eku == nil {
		return false
	}
	return rawHasClientAuth(eku.Value)
}

func rawHasClientAuth(raw []byte) bool {
	input := cryptobyte.String(raw)
	var seq cryptobyte.String
	if input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) && input.Empty() {
		for !seq.Empty() {
			var id asn1.ObjectIdentifier
			if !seq.ReadASN1ObjectIdentifier(&id) {
				break
			}
			if id.Equal(oid.ExtKeyUsageClientAuth) {
				return true
			}
		}
	}
	return strings.Contains(hex.EncodeToString(raw), clientAuthHex)
}

// Matches returns true if the usage allows the purpose
func (u *Usage) Matches(purpose Purpose) bool {
	return !u.IsCA &&
		((purpose&Authentication != 0 && u.ClientAuth) ||
			(purpose&Signing != 0 && u.NonRepudiation))
}

// Matches returns true if DER encoded certificate can be used for the purpose.
// Certificates that can not be parsed never match.
func Matches(der []byte, purpose Purpose) bool {
	u, err := ParseUsage(der)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "parse", "err", err.Error())
		return false
	}
	return u.Matches(purpose)
}
