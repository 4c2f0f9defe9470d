package oid

import (
	"crypto/x509"
	"encoding/asn1"
	"sort"
)

// KeyUsage contains a mapping of string names to key usages.
var KeyUsage = map[string]x509.KeyUsage{
	"signing":            x509.KeyUsageDigitalSignature,
	"digital signature":  x509.KeyUsageDigitalSignature,
	"content commitment": x509.KeyUsageContentCommitment,
	"non repudiation":    x509.KeyUsageContentCommitment,
	"key encipherment":   x509.KeyUsageKeyEncipherment,
	"key agreement":      x509.KeyUsageKeyAgreement,
	"data encipherment":  x509.KeyUsageDataEncipherment,
	"cert sign":          x509.KeyUsageCertSign,
	"crl sign":           x509.KeyUsageCRLSign,
	"encipher only":      x509.KeyUsageEncipherOnly,
	"decipher only":      x509.KeyUsageDecipherOnly,
}

// KeyUsageName provides map of names
var KeyUsageName = map[x509.KeyUsage]string{
	x509.KeyUsageDigitalSignature:  "digital signature",
	x509.KeyUsageContentCommitment: "non repudiation",
	x509.KeyUsageKeyEncipherment:   "key encipherment",
	x509.KeyUsageKeyAgreement:      "key agreement",
	x509.KeyUsageDataEncipherment:  "data encipherment",
	x509.KeyUsageCertSign:          "cert sign",
	x509.KeyUsageCRLSign:           "crl sign",
	x509.KeyUsageEncipherOnly:      "encipher only",
	x509.KeyUsageDecipherOnly:      "decipher only",
}

// ExtKeyUsageName provides map of names
var ExtKeyUsageName = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageAny:             "any",
	x509.ExtKeyUsageServerAuth:      "server auth",
	x509.ExtKeyUsageClientAuth:      "client auth",
	x509.ExtKeyUsageCodeSigning:     "code signing",
	x509.ExtKeyUsageEmailProtection: "email protection",
	x509.ExtKeyUsageIPSECEndSystem:  "ipsec end system",
	x509.ExtKeyUsageIPSECTunnel:     "ipsec tunnel",
	x509.ExtKeyUsageIPSECUser:       "ipsec user",
	x509.ExtKeyUsageTimeStamping:    "timestamping",
	x509.ExtKeyUsageOCSPSigning:     "ocsp signing",
}

// ClientAuthNames are the names parsers use for TLS client authentication usage
var ClientAuthNames = []string{
	"client auth",
	"TLS Web Client Authentication",
}

// well-known OIDs
var (
	ExtensionKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	ExtensionBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	ExtensionExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}

	ExtKeyUsageClientAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}

	NameCN = asn1.ObjectIdentifier{2, 5, 4, 3}
	NameO  = asn1.ObjectIdentifier{2, 5, 4, 10}
	NameOU = asn1.ObjectIdentifier{2, 5, 4, 11}
)

// DisplayName provides OID name
var DisplayName = map[string]string{
	"2.5.29.15":         "Key Usage",
	"2.5.29.19":         "Basic Constraints",
	"2.5.29.37":         "Extended KeyUsage",
	"1.3.6.1.5.5.7.3.2": "TLS Web Client Authentication",
}

// KeyUsages returns sorted list of names
func KeyUsages(ku x509.KeyUsage) []string {
	list := make([]string, 0, len(KeyUsageName))

	for v, k := range KeyUsageName {
		if ku&v == v {
			list = append(list, k)
		}
	}
	sort.Strings(list)
	return list
}

// ExtKeyUsages returns list of names
func ExtKeyUsages(eku ...x509.ExtKeyUsage) []string {
	list := make([]string, 0, len(eku))

	for _, k := range eku {
		if name, ok := ExtKeyUsageName[k]; ok {
			list = append(list, name)
		}
	}

	return list
}

// Strings returns list of OID string values
func Strings(ids ...asn1.ObjectIdentifier) []string {
	list := make([]string, 0, len(ids))

	for _, k := range ids {
		list = append(list, k.String())
	}

	return list
}
