package crypto11_test

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"sync"
	"testing"

	"github.com/effective-security/tokensign/crypto11"
	"github.com/effective-security/tokensign/crypto11/p11mock"
	"github.com/effective-security/tokensign/testca"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/require"
)

const testPIN = "1234"

type fixture struct {
	ca   *testca.Entity
	auth *testca.Entity
	sign *testca.Entity
	// other card
	auth2 *testca.Entity
	// not usable for any purpose
	server *testca.Entity
	bare   *testca.Entity
}

var (
	fixtureOnce sync.Once
	fx          *fixture
)

func certs() *fixture {
	fixtureOnce.Do(func() {
		ca := testca.NewEntity(testca.Authority, testca.Subject(pkix.Name{CommonName: "[TEST] Card Issuer"}))
		fx = &fixture{
			ca: ca,
			auth: ca.Issue(
				testca.Subject(pkix.Name{CommonName: "DOE,JANE,38001085718", OrganizationalUnit: []string{"authentication"}}),
				testca.KeyUsage(x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment),
				testca.ExtKeyUsage(x509.ExtKeyUsageClientAuth),
			),
			sign: ca.Issue(
				testca.Subject(pkix.Name{CommonName: "DOE,JANE,38001085718", OrganizationalUnit: []string{"digital signature"}}),
				testca.KeyUsage(x509.KeyUsageContentCommitment),
			),
			auth2: ca.Issue(
				testca.Subject(pkix.Name{CommonName: "ROE,RICHARD,37001085718"}),
				testca.ExtKeyUsage(x509.ExtKeyUsageClientAuth),
			),
			server: ca.Issue(
				testca.Subject(pkix.Name{CommonName: "localhost"}),
				testca.ExtKeyUsage(x509.ExtKeyUsageServerAuth),
			),
			bare: ca.Issue(
				testca.NoBasicConstraints,
				testca.KeyUsage(x509.KeyUsageContentCommitment),
				testca.ExtKeyUsage(x509.ExtKeyUsageClientAuth),
			),
		}
	})
	return fx
}

// cardSlot returns a slot with certificate and private key objects,
// the IDs are assigned from 1 in order of entities
func cardSlot(slotID uint, label string, flags uint, entities ...*testca.Entity) *p11mock.Slot {
	s := &p11mock.Slot{
		ID:          slotID,
		Description: "Reader " + label,
		Token:       p11mock.NewTokenInfo(label, flags),
		PIN:         testPIN,
	}
	for i, e := range entities {
		id := []byte{byte(i + 1)}
		s.Objects = append(s.Objects,
			p11mock.Certificate(id, e.Certificate.Raw),
			p11mock.PrivateKey(id, e.PrivateKey),
		)
	}
	return s
}

func withMock(m *p11mock.Ctx) crypto11.Option {
	return crypto11.WithLoader(func(string) (crypto11.Cryptoki, error) {
		return m, nil
	})
}

// loadMock returns loaded PKCS11Lib, closed on test cleanup
func loadMock(t *testing.T, m *p11mock.Ctx) *crypto11.PKCS11Lib {
	p := crypto11.New(withMock(m))
	require.NoError(t, p.Load("/usr/lib/p11mock.so"))
	t.Cleanup(func() {
		_ = p.Close()
	})
	return p
}

// defaultCard returns module with one card holding
// authentication and signing certificates
func defaultCard() *p11mock.Ctx {
	f := certs()
	return p11mock.New(cardSlot(1, "JANE DOE (PIN1)", 0, f.auth, f.sign))
}

func rvOf(rv uint) error {
	return pkcs11.Error(rv)
}
