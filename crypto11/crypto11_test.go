package crypto11_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/certutil"
	"github.com/effective-security/tokensign/crypto11"
	"github.com/effective-security/tokensign/crypto11/p11mock"
	"github.com/effective-security/tokensign/cryptoprov"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCryptoki(t *testing.T) {
	impls := []crypto11.Cryptoki{
		(*pkcs11.Ctx)(nil),
		p11mock.New(),
	}
	require.Len(t, impls, 2)

	m := p11mock.New()
	require.NoError(t, m.Initialize(pkcs11.InitializeWithFlags(pkcs11.CKF_OS_LOCKING_OK)))
	assert.Equal(t, uint(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED), crypto11.Status(m.Initialize()))
}

func TestLoad_ModuleLoadFailure(t *testing.T) {
	p := crypto11.New(crypto11.WithLoader(func(path string) (crypto11.Cryptoki, error) {
		return nil, errors.Errorf("dlopen %s: no such file", path)
	}))

	err := p.Load("/nonexistent/p11.so")
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrModuleLoad))
	assert.False(t, p.IsLoaded())
	assert.Empty(t, p.Path())
	assert.Empty(t, p.AllCertificates())
	assert.Empty(t, p.Certificates(certutil.Both))

	p = crypto11.New(crypto11.WithLoader(func(string) (crypto11.Cryptoki, error) {
		return nil, nil
	}))
	err = p.Load("/nonexistent/p11.so")
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrModuleLoad))
}

func TestLoad_DefaultLoader(t *testing.T) {
	_, err := crypto11.DefaultLoader(filepath.Join(t.TempDir(), "missing.so"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrModuleLoad))
	assert.Equal(t, uint(pkcs11.CKR_LIBRARY_LOAD_FAILED), crypto11.Status(err))
}

func TestLoad_FailedReplacesLoaded(t *testing.T) {
	m := defaultCard()
	fail := false
	p := crypto11.New(crypto11.WithLoader(func(string) (crypto11.Cryptoki, error) {
		if fail {
			return nil, errors.New("dlopen failed")
		}
		return m, nil
	}))
	require.NoError(t, p.Load("/usr/lib/p11mock.so"))
	assert.Len(t, p.AllCertificates(), 2)

	fail = true
	err := p.Load("/usr/lib/other.so")
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrModuleLoad))
	assert.Empty(t, p.AllCertificates())
	assert.False(t, p.IsLoaded())
	assert.True(t, m.Destroyed)
	assert.True(t, m.Finalized)
}

func TestLoad_InterfaceInit(t *testing.T) {
	m := defaultCard()
	m.InitializeErr = rvOf(pkcs11.CKR_GENERAL_ERROR)

	p := crypto11.New(withMock(m))
	err := p.Load("/usr/lib/p11mock.so")
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrInterfaceInit))
	assert.Equal(t, uint(pkcs11.CKR_GENERAL_ERROR), crypto11.Status(err))
	assert.False(t, p.IsLoaded())
	assert.Empty(t, p.AllCertificates())
	assert.True(t, m.Destroyed)
	assert.False(t, m.Finalized)
	assert.Zero(t, m.Count("C_GetSlotList"))
}

func TestLoad_AlreadyInitialized(t *testing.T) {
	m := defaultCard()
	m.InitializeErr = rvOf(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)

	p := crypto11.New(withMock(m))
	require.NoError(t, p.Load("/usr/lib/p11mock.so"))
	assert.True(t, p.IsLoaded())
	assert.Equal(t, "/usr/lib/p11mock.so", p.Path())
	assert.Len(t, p.AllCertificates(), 2)

	require.NoError(t, p.Close())
	assert.True(t, m.Destroyed)
	assert.False(t, m.Finalized, "the module was initialized by someone else")
}

func TestLoad_Enumeration(t *testing.T) {
	f := certs()

	crowded := cardSlot(1, "  JANE   DOE ", 0, f.auth, f.sign, f.auth2)
	broken := &p11mock.Slot{ID: 2, Description: "broken"}
	noSession := cardSlot(3, "BUSY", 0, f.auth2)
	noSession.OpenSessionErr = rvOf(pkcs11.CKR_DEVICE_ERROR)
	unreadable := cardSlot(4, "UNREADABLE", 0, f.server, f.auth2)
	unreadable.Objects[0].FailAttributes = true
	// the same certificate on another slot does not replace the first one
	duplicate := cardSlot(5, "DUPLICATE", 0, f.auth)

	m := p11mock.New(crowded, broken, noSession, unreadable, duplicate)
	p := loadMock(t, m)

	all := p.AllCertificates()
	require.Len(t, all, 3)
	assert.Equal(t, f.auth.Certificate.Raw, all[0])
	assert.Equal(t, f.sign.Certificate.Raw, all[1])
	assert.Equal(t, f.auth2.Certificate.Raw, all[2])

	r, err := p.Lookup(f.auth.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint(1), r.Token.SlotID)
	assert.Equal(t, "JANE DOE", r.Token.Label)
	assert.Equal(t, []byte{1}, r.ID)

	r, err = p.Lookup(f.sign.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint(1), r.Token.SlotID)
	assert.Equal(t, []byte{2}, r.ID)

	r, err = p.Lookup(f.auth2.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint(4), r.Token.SlotID)
	assert.Equal(t, "UNREADABLE", r.Token.Label)
	assert.Equal(t, []byte{2}, r.ID)

	// the returned record is a copy
	r.ID[0] = 0xff
	r, err = p.Lookup(f.auth2.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, r.ID)

	errs := p.EnumerationErrors()
	require.Len(t, errs, 2)
	assert.True(t, errors.Is(errs[0], crypto11.ErrTokenInfoUnavailable))
	assert.Equal(t, uint(pkcs11.CKR_TOKEN_NOT_RECOGNIZED), crypto11.Status(errs[0]))
	assert.True(t, errors.Is(errs[1], crypto11.ErrSlotEnumeration))
	assert.Equal(t, uint(pkcs11.CKR_DEVICE_ERROR), crypto11.Status(errs[1]))

	assert.Zero(t, m.OpenSessions(), "enumeration sessions must be closed")
	assert.False(t, p.HasSession())
}

func TestLoad_SlotListFailure(t *testing.T) {
	m := defaultCard()
	m.SlotListErr = rvOf(pkcs11.CKR_DEVICE_REMOVED)

	p := loadMock(t, m)
	assert.True(t, p.IsLoaded())
	assert.Empty(t, p.AllCertificates())

	errs := p.EnumerationErrors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], crypto11.ErrSlotEnumeration))
	assert.Equal(t, uint(pkcs11.CKR_DEVICE_REMOVED), crypto11.Status(errs[0]))
}

func TestCertificates_Purpose(t *testing.T) {
	f := certs()
	m := p11mock.New(
		cardSlot(1, "JANE", 0, f.auth, f.sign),
		cardSlot(2, "CA", 0, f.ca, f.server),
		cardSlot(3, "BARE", 0, f.bare),
	)
	p := loadMock(t, m)

	assert.Len(t, p.AllCertificates(), 5)
	assert.Equal(t, [][]byte{f.auth.Certificate.Raw}, p.Certificates(certutil.Authentication))
	assert.Equal(t, [][]byte{f.sign.Certificate.Raw}, p.Certificates(certutil.Signing))
	assert.Equal(t, [][]byte{f.auth.Certificate.Raw, f.sign.Certificate.Raw}, p.Certificates(certutil.Both))
}

func TestClose(t *testing.T) {
	m := defaultCard()
	p := crypto11.New(withMock(m))
	require.NoError(t, p.Load("/usr/lib/p11mock.so"))
	require.NoError(t, p.Login(certs().auth.Certificate.Raw, testPIN))
	assert.True(t, p.HasSession())

	m.Calls = nil
	require.NoError(t, p.Close())
	assert.Equal(t, []string{"C_CloseSession", "C_Finalize", "Destroy"}, m.Calls)
	assert.False(t, p.HasSession())
	assert.False(t, p.IsLoaded())
	assert.Empty(t, p.AllCertificates())

	// idempotent
	require.NoError(t, p.Close())
	assert.Equal(t, []string{"C_CloseSession", "C_Finalize", "Destroy"}, m.Calls)

	// never loaded
	require.NoError(t, crypto11.New().Close())
}

func TestLoad_Reload(t *testing.T) {
	first := defaultCard()
	second := p11mock.New(cardSlot(7, "ROE", 0, certs().auth2))
	mods := map[string]*p11mock.Ctx{
		"first.so":  first,
		"second.so": second,
	}
	p := crypto11.New(crypto11.WithLoader(func(path string) (crypto11.Cryptoki, error) {
		return mods[filepath.Base(path)], nil
	}))
	defer p.Close()

	require.NoError(t, p.Load("/lib/first.so"))
	require.NoError(t, p.Login(certs().auth.Certificate.Raw, testPIN))

	require.NoError(t, p.Load("/lib/second.so"))
	assert.True(t, first.Destroyed)
	assert.True(t, first.Finalized)
	assert.Zero(t, first.OpenSessions())
	assert.False(t, p.HasSession())
	assert.Equal(t, [][]byte{certs().auth2.Certificate.Raw}, p.AllCertificates())

	_, err := p.Lookup(certs().auth.Certificate.Raw)
	assert.True(t, errors.Is(err, crypto11.ErrUnknownCertificate))
}

func TestInit(t *testing.T) {
	m := defaultCard()
	p, err := crypto11.Init(cryptoprov.NewTokenConfig("p11mock", "/usr/lib/p11mock.so"), withMock(m))
	require.NoError(t, err)
	defer p.Close()
	assert.Len(t, p.AllCertificates(), 2)

	cfgFile := filepath.Join(t.TempDir(), "token.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("manufacturer: p11mock\npath: /usr/lib/p11mock.so\n"), 0o600))
	p2, err := crypto11.ConfigureFromFile(cfgFile, withMock(defaultCard()))
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, "/usr/lib/p11mock.so", p2.Path())

	_, err = crypto11.ConfigureFromFile(filepath.Join(t.TempDir(), "missing.yaml"), withMock(defaultCard()))
	require.Error(t, err)

	m = defaultCard()
	m.InitializeErr = rvOf(pkcs11.CKR_FUNCTION_FAILED)
	_, err = crypto11.Init(cryptoprov.NewTokenConfig("p11mock", "/usr/lib/p11mock.so"), withMock(m))
	assert.True(t, errors.Is(err, crypto11.ErrInterfaceInit))
}

func TestTokensInfo(t *testing.T) {
	f := certs()
	m := p11mock.New(
		cardSlot(1, "JANE DOE", pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH, f.auth),
		&p11mock.Slot{ID: 2, Description: "broken"},
		&p11mock.Slot{ID: 3, Token: p11mock.NewTokenInfo("NO READER", 0), SlotInfoErr: rvOf(pkcs11.CKR_DEVICE_REMOVED)},
	)
	p := loadMock(t, m)

	list, err := p.TokensInfo()
	require.NoError(t, err)
	require.Len(t, list, 1)
	ti := list[0]
	assert.Equal(t, uint(1), ti.SlotID)
	assert.Equal(t, "Reader JANE DOE", ti.Description)
	assert.Equal(t, "JANE DOE", ti.Label)
	assert.Equal(t, "p11mock", ti.Manufacturer)
	assert.Equal(t, "0000JANE DOE", ti.Serial)
	assert.NotZero(t, ti.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH)

	_, err = crypto11.New().TokensInfo()
	assert.True(t, errors.Is(err, crypto11.ErrModuleLoad))
}

func TestEnumKeys(t *testing.T) {
	f := certs()
	slot := cardSlot(1, "JANE DOE", 0, f.auth, f.sign)
	slot.Objects[1].Private = false
	slot.Objects[1].Label = "Authentication key"
	m := p11mock.New(slot)
	p := loadMock(t, m)

	keys, err := p.EnumKeys(1)
	require.NoError(t, err)
	assert.Equal(t, []crypto11.KeyInfo{{ID: "01", Label: "Authentication key"}}, keys)
	assert.Zero(t, m.OpenSessions())

	_, err = p.EnumKeys(9)
	assert.True(t, errors.Is(err, crypto11.ErrSessionOpen))

	require.NoError(t, p.Login(f.auth.Certificate.Raw, testPIN))
	_, err = p.EnumKeys(1)
	assert.True(t, errors.Is(err, crypto11.ErrBusy))

	_, err = crypto11.New().EnumKeys(1)
	assert.True(t, errors.Is(err, crypto11.ErrModuleLoad))
}
