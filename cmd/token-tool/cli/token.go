package cli

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/certutil"
	"github.com/effective-security/tokensign/crypto11"
	"github.com/effective-security/tokensign/x/print"
)

// TokenCmd is the parent for token commands
type TokenCmd struct {
	List TokenListCmd `cmd:"" help:"list tokens"`
	Keys TokenKeysCmd `cmd:"" help:"list private keys on the slot"`
}

// TokenListCmd prints tokens
type TokenListCmd struct{}

// Run the command
func (a *TokenListCmd) Run(ctx *Cli) error {
	p11, err := ctx.P11()
	if err != nil {
		return err
	}

	tokens, err := p11.TokensInfo()
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}
	if len(tokens) == 0 {
		fmt.Fprintln(ctx.Writer(), "no tokens found")
		return nil
	}
	print.Tokens(ctx.Writer(), tokens)
	return nil
}

// TokenKeysCmd prints private keys visible without login
type TokenKeysCmd struct {
	Slot uint `required:"" help:"slot ID"`
}

// Run the command
func (a *TokenKeysCmd) Run(ctx *Cli) error {
	p11, err := ctx.P11()
	if err != nil {
		return err
	}

	keys, err := p11.EnumKeys(a.Slot)
	if err != nil {
		return errors.WithMessagef(err, "failed to list keys on slot %d", a.Slot)
	}

	out := ctx.Writer()
	if len(keys) == 0 {
		fmt.Fprintf(out, "no keys found on slot %d\n", a.Slot)
		return nil
	}
	for i, key := range keys {
		fmt.Fprintf(out, "[%d]\n", i)
		fmt.Fprintf(out, "  Id:    %s\n", key.ID)
		if key.Label != "" {
			fmt.Fprintf(out, "  Label: %s\n", key.Label)
		}
	}
	return nil
}

// CertsCmd prints certificates found on the tokens
type CertsCmd struct {
	Purpose string `help:"purpose of certificates: auth|sign|both, if not set the config purpose is used"`
	PEM     bool   `name:"pem" help:"print PEM encoded certificate"`
}

// Run the command
func (a *CertsCmd) Run(ctx *Cli) error {
	cfg, err := ctx.TokenConfig()
	if err != nil {
		return err
	}
	purposeName := a.Purpose
	if purposeName == "" {
		purposeName = cfg.Purpose()
	}
	purpose, err := certutil.ParsePurpose(purposeName)
	if err != nil {
		return err
	}

	p11, err := ctx.P11()
	if err != nil {
		return err
	}

	out := ctx.Writer()
	list := p11.Certificates(purpose)
	if len(list) == 0 {
		fmt.Fprintf(out, "no certificates found for %s\n", purpose.String())
		return nil
	}

	for idx, der := range list {
		crt, err := x509.ParseCertificate(der)
		if err != nil {
			return errors.WithStack(err)
		}
		r, err := p11.Lookup(der)
		if err != nil {
			return err
		}

		if idx > 0 {
			fmt.Fprintln(out)
		}
		print.Certificate(out, crt, false)
		print.Record(out, r)
		if a.PEM {
			if err = certutil.EncodeToPEM(out, false, crt); err != nil {
				return err
			}
		}
	}
	return nil
}

// SignCmd signs a digest with the key of the certificate
type SignCmd struct {
	Cert   string `required:"" help:"location of the certificate, PEM or DER encoded"`
	Digest string `required:"" help:"digest to sign, hex or base64 encoded"`
	Format string `name:"digest-format" enum:"auto,hex,base64" default:"auto" help:"encoding of the digest: auto|hex|base64, auto tries hex first"`
	PIN    string `name:"pin" help:"PIN of the token, if not set the config PIN is used, empty PIN is used with pinpad"`
}

// Run the command
func (a *SignCmd) Run(ctx *Cli) error {
	cert, err := certutil.LoadFromFile(a.Cert)
	if err != nil {
		return err
	}
	digest, err := decodeDigest(a.Digest, a.Format)
	if err != nil {
		return err
	}
	if _, ok := crypto11.DigestInfo(digest); !ok {
		fmt.Fprintf(ctx.ErrWriter(), "warning: digest length %d does not match SHA-224, SHA-256, SHA-384 or SHA-512, signing as is\n", len(digest))
	}

	cfg, err := ctx.TokenConfig()
	if err != nil {
		return err
	}
	pin := a.PIN
	if pin == "" {
		pin = cfg.Pin()
	}

	p11, err := ctx.P11()
	if err != nil {
		return err
	}

	if err = p11.Login(cert, pin); err != nil {
		return err
	}

	signature, err := p11.Sign(cert, digest)
	if err != nil {
		return err
	}

	ctx.WriteJSON(map[string]string{
		"signature": base64.StdEncoding.EncodeToString(signature),
	})
	return nil
}

// decodeDigest decodes the digest in the format.
// Hex digits are valid base64 characters, so auto prefers hex,
// and base64 input made of hex digits only needs the base64 format.
func decodeDigest(s, format string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty digest")
	}
	switch format {
	case "hex":
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Errorf("digest must be hex encoded: %q", s)
		}
		return b, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Errorf("digest must be base64 encoded: %q", s)
		}
		return b, nil
	case "", "auto":
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b, nil
		}
		return nil, errors.Errorf("digest must be hex or base64 encoded: %q", s)
	}
	return nil, errors.Errorf("unsupported digest format: %q", format)
}
