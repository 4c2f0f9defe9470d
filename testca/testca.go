// Package testca issues throwaway certificates for tests of token
// enumeration and certificate classification.
package testca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync/atomic"
	"time"
)

// Entity is a certificate and its private key
type Entity struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	Issuer      *Entity
	NextSN      int64
}

// Option customizes the certificate template
type Option func(*configuration)

type configuration struct {
	subject            *pkix.Name
	issuer             *Entity
	nextSN             *int64
	priv               *crypto.Signer
	isCA               bool
	noBasicConstraints bool
	keyUsage           x509.KeyUsage
	extKeyUsage        []x509.ExtKeyUsage
	extensions         []pkix.Extension
	notBefore          *time.Time
	notAfter           *time.Time
}

var serial int64 = time.Now().Unix()

func (c *configuration) generate() *Entity {
	if c.subject == nil {
		c.subject = &pkix.Name{CommonName: "[TEST] Entity"}
	}
	if c.priv == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		var signer crypto.Signer = key
		c.priv = &signer
	}

	sn := atomic.AddInt64(&serial, 1)
	if c.nextSN != nil {
		sn = *c.nextSN
	}

	notBefore := time.Now().Add(-time.Hour).UTC()
	if c.notBefore != nil {
		notBefore = *c.notBefore
	}
	notAfter := notBefore.Add(24 * time.Hour)
	if c.notAfter != nil {
		notAfter = *c.notAfter
	}

	keyUsage := c.keyUsage
	if keyUsage == 0 {
		keyUsage = x509.KeyUsageDigitalSignature
		if c.isCA {
			keyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		}
	}

	tpl := &x509.Certificate{
		SerialNumber:          big.NewInt(sn),
		Subject:               *c.subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           c.extKeyUsage,
		ExtraExtensions:       c.extensions,
		IsCA:                  c.isCA,
		BasicConstraintsValid: !c.noBasicConstraints,
	}

	parentTpl := tpl
	parentKey := *c.priv
	if c.issuer != nil {
		parentTpl = c.issuer.Certificate
		parentKey = c.issuer.PrivateKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, parentTpl, (*c.priv).Public(), parentKey)
	if err != nil {
		panic(err)
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}

	return &Entity{
		PrivateKey:  *c.priv,
		Certificate: crt,
		Issuer:      c.issuer,
		NextSN:      sn + 1,
	}
}

// NewEntity creates a self-signed entity, unless Issuer option is provided
func NewEntity(opts ...Option) *Entity {
	c := &configuration{}
	for _, opt := range opts {
		opt(c)
	}
	return c.generate()
}

// Issue issues a certificate signed by the entity
func (e *Entity) Issue(opts ...Option) *Entity {
	opts = append(opts, Issuer(e))
	return NewEntity(opts...)
}

// Chain returns the certificate with its issuers, up to the root
func (e *Entity) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for cur := e; cur != nil; cur = cur.Issuer {
		chain = append(chain, cur.Certificate)
	}
	return chain
}

// Authority makes the certificate a CA
func Authority(c *configuration) {
	c.isCA = true
}

// NoBasicConstraints omits the Basic Constraints extension
func NoBasicConstraints(c *configuration) {
	c.noBasicConstraints = true
}

// Subject sets the certificate subject
func Subject(value pkix.Name) Option {
	return func(c *configuration) {
		c.subject = &value
	}
}

// Issuer sets the issuing entity
func Issuer(value *Entity) Option {
	return func(c *configuration) {
		c.issuer = value
	}
}

// NextSerialNumber sets the serial number of the certificate
func NextSerialNumber(value int64) Option {
	return func(c *configuration) {
		c.nextSN = &value
	}
}

// PrivateKey sets the entity key
func PrivateKey(value crypto.Signer) Option {
	return func(c *configuration) {
		c.priv = &value
	}
}

// KeyUsage sets the key usage
func KeyUsage(value x509.KeyUsage) Option {
	return func(c *configuration) {
		c.keyUsage = value
	}
}

// ExtKeyUsage sets the extended key usage
func ExtKeyUsage(value ...x509.ExtKeyUsage) Option {
	return func(c *configuration) {
		c.extKeyUsage = append(c.extKeyUsage, value...)
	}
}

// Extensions adds extra extensions
func Extensions(value []pkix.Extension) Option {
	return func(c *configuration) {
		c.extensions = append(c.extensions, value...)
	}
}

// NotBefore sets the start of validity
func NotBefore(value time.Time) Option {
	return func(c *configuration) {
		c.notBefore = &value
	}
}

// NotAfter sets the end of validity
func NotAfter(value time.Time) Option {
	return func(c *configuration) {
		c.notAfter = &value
	}
}
