// Package print provides the text output of the token-tool commands
package print

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/effective-security/tokensign/certutil"
	"github.com/effective-security/tokensign/crypto11"
	"github.com/effective-security/tokensign/oid"
	"github.com/miekg/pkcs11"
)

// JSON prints value to out
func JSON(w io.Writer, value any) {
	b, _ := json.MarshalIndent(value, "", "\t")
	fmt.Fprintln(w, string(b))
}

// Certificates prints list of cert details
func Certificates(w io.Writer, list []*x509.Certificate, verbose bool) {
	for idx, crt := range list {
		if idx > 0 {
			fmt.Fprintln(w)
		}
		Certificate(w, crt, verbose)
	}
}

// Certificate prints cert details
func Certificate(w io.Writer, crt *x509.Certificate, verbose bool) {
	now := time.Now()
	issuedIn := now.Sub(crt.NotBefore.Local()) / time.Minute * time.Minute
	expiresIn := crt.NotAfter.Local().Sub(now) / time.Minute * time.Minute

	fmt.Fprintf(w, "Subject: %s\n", crt.Subject.String())
	fmt.Fprintf(w, "  Issuer: %s\n", crt.Issuer.String())
	fmt.Fprintf(w, "  SN: %s\n", crt.SerialNumber.String())
	if len(crt.SubjectKeyId) > 0 {
		fmt.Fprintf(w, "  SKID: %s\n", hex.EncodeToString(crt.SubjectKeyId))
	}
	if len(crt.AuthorityKeyId) > 0 {
		fmt.Fprintf(w, "  IKID: %s\n", hex.EncodeToString(crt.AuthorityKeyId))
	}
	fmt.Fprintf(w, "  Issued: %s (%s ago)\n", crt.NotBefore.Local().String(), issuedIn.String())
	fmt.Fprintf(w, "  Expires: %s (in %s)\n", crt.NotAfter.Local().String(), expiresIn.String())

	u := certutil.CertificateUsage(crt)
	fmt.Fprintf(w, "  CA: %t\n", u.IsCA)
	fmt.Fprintf(w, "  Usage: %s\n", usage(u))

	if verbose {
		if ku := oid.KeyUsages(crt.KeyUsage); len(ku) > 0 {
			fmt.Fprintf(w, "  Key Usage: %s\n", strings.Join(ku, ", "))
		}
		if eku := oid.ExtKeyUsages(crt.ExtKeyUsage...); len(eku) > 0 {
			fmt.Fprintf(w, "  Ext Key Usage: %s\n", strings.Join(eku, ", "))
		}
		for _, ext := range crt.Extensions {
			name := oid.DisplayName[ext.Id.String()]
			if name == "" {
				name = ext.Id.String()
			}
			fmt.Fprintf(w, "  Extension: %s, critical: %t\n", name, ext.Critical)
		}
	}
}

func usage(u *certutil.Usage) string {
	var list []string
	if u.ClientAuth {
		list = append(list, certutil.Authentication.String())
	}
	if u.NonRepudiation {
		list = append(list, certutil.Signing.String())
	}
	if len(list) == 0 {
		return "none"
	}
	return strings.Join(list, ", ")
}

// Tokens prints the tokens
func Tokens(w io.Writer, list []*crypto11.SlotTokenInfo) {
	for _, ti := range list {
		fmt.Fprintf(w, "Slot: %d\n", ti.SlotID)
		fmt.Fprintf(w, "  Description: %s\n", ti.Description)
		fmt.Fprintf(w, "  Label: %s\n", ti.Label)
		fmt.Fprintf(w, "  Manufacturer: %s\n", ti.Manufacturer)
		fmt.Fprintf(w, "  Model: %s\n", ti.Model)
		fmt.Fprintf(w, "  Serial: %s\n", ti.Serial)
		fmt.Fprintf(w, "  Flags: %s\n", strings.Join(TokenFlags(ti.Flags), ", "))
	}
}

var tokenFlagNames = []struct {
	flag uint
	name string
}{
	{pkcs11.CKF_LOGIN_REQUIRED, "login required"},
	{pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH, "pinpad"},
	{pkcs11.CKF_USER_PIN_COUNT_LOW, "PIN count low"},
	{pkcs11.CKF_USER_PIN_FINAL_TRY, "PIN final try"},
	{pkcs11.CKF_USER_PIN_LOCKED, "PIN locked"},
	{pkcs11.CKF_USER_PIN_TO_BE_CHANGED, "PIN to be changed"},
	{pkcs11.CKF_WRITE_PROTECTED, "write protected"},
}

// TokenFlags returns names of user PIN related token flags
func TokenFlags(flags uint) []string {
	list := []string{}
	for _, f := range tokenFlagNames {
		if flags&f.flag != 0 {
			list = append(list, f.name)
		}
	}
	return list
}

// Record prints the token of a certificate
func Record(w io.Writer, r *crypto11.Record) {
	t := r.Token
	fmt.Fprintf(w, "  Slot: %d\n", t.SlotID)
	fmt.Fprintf(w, "  Token: %s\n", t.Label)
	fmt.Fprintf(w, "  Key ID: %s\n", hex.EncodeToString(r.ID))
	fmt.Fprintf(w, "  Pinpad: %t\n", t.Pinpad)
	fmt.Fprintf(w, "  PIN length: %d-%d\n", t.MinPinLen, t.MaxPinLen)
	fmt.Fprintf(w, "  PIN retries: %d\n", t.RetryEstimate())
}
