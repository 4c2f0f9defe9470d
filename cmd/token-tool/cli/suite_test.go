package cli

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"

	"github.com/alecthomas/kong"
	"github.com/effective-security/tokensign/crypto11"
	"github.com/effective-security/tokensign/crypto11/p11mock"
	"github.com/effective-security/tokensign/testca"
	"github.com/effective-security/x/ctl"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/suite"
)

const testPIN = "1234"

var (
	testCA   = testca.NewEntity(testca.Authority, testca.Subject(pkix.Name{CommonName: "[TEST] Card Issuer"}))
	authCert = testCA.Issue(
		testca.Subject(pkix.Name{CommonName: "Jane Doe (Authentication)"}),
		testca.ExtKeyUsage(x509.ExtKeyUsageClientAuth),
	)
	signCert = testCA.Issue(
		testca.Subject(pkix.Name{CommonName: "Jane Doe (Signature)", OrganizationalUnit: []string{"digital signature"}}),
	)
)

type testSuite struct {
	suite.Suite

	ctl  *Cli
	mock *p11mock.Ctx
	// Out is the output buffer
	Out bytes.Buffer
	// Err is the error buffer
	Err bytes.Buffer
}

func newCard() *p11mock.Ctx {
	return p11mock.New(&p11mock.Slot{
		ID:          1,
		Description: "ACS ACR 38U-CCID 00 00",
		Token:       p11mock.NewTokenInfo("JANE DOE (PIN1)", 0),
		PIN:         testPIN,
		Objects: []*p11mock.Object{
			p11mock.Certificate([]byte{1}, authCert.Certificate.Raw),
			p11mock.PrivateKey([]byte{1}, authCert.PrivateKey),
			p11mock.Certificate([]byte{2}, signCert.Certificate.Raw),
			p11mock.PrivateKey([]byte{2}, signCert.PrivateKey),
			{Class: pkcs11.CKO_PRIVATE_KEY, ID: []byte{3}, Label: "Public key slot", Key: authCert.PrivateKey},
		},
	})
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.Err.Reset()
	s.mock = newCard()

	s.ctl = &Cli{}
	s.ctl.WithErrWriter(&s.Err).
		WithWriter(&s.Out).
		WithLoader(func(string) (crypto11.Cryptoki, error) {
			return s.mock, nil
		})

	parser, err := kong.New(s.ctl,
		kong.Name("token-tool"),
		kong.Description("CLI tool for PKCS#11 smart cards"),
		kong.Writers(&s.Out, &s.Err),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--module=/usr/lib/p11mock.so"})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

func (s *testSuite) TearDownTest() {
	s.ctl.Close()
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain the supplied
// text anywhere
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
