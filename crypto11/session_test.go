package crypto11_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/crypto11"
	"github.com/effective-security/tokensign/crypto11/p11mock"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin_WrongPIN(t *testing.T) {
	f := certs()
	m := defaultCard()
	p := loadMock(t, m)

	err := p.Login(f.auth.Certificate.Raw, "0000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrLogin))
	assert.True(t, errors.Is(err, crypto11.ErrPinIncorrect))
	assert.False(t, errors.Is(err, crypto11.ErrPinLocked))
	assert.Equal(t, uint(pkcs11.CKR_PIN_INCORRECT), crypto11.Status(err))
	assert.Equal(t, "CKR_PIN_INCORRECT", crypto11.ErrorName(crypto11.Status(err)))
	assert.True(t, p.HasSession(), "the session stays open for retry")

	require.NoError(t, p.Login(f.auth.Certificate.Raw, testPIN))
	assert.Equal(t, 1, m.OpenSessions())

	// already logged in
	require.NoError(t, p.Login(f.auth.Certificate.Raw, testPIN))

	p.Logout()
	assert.False(t, p.HasSession())
	assert.Zero(t, m.OpenSessions())
	// no session
	p.Logout()
}

func TestLogin_Locked(t *testing.T) {
	f := certs()
	m := p11mock.New(cardSlot(1, "JANE", pkcs11.CKF_USER_PIN_LOCKED, f.auth))
	p := loadMock(t, m)

	err := p.Login(f.auth.Certificate.Raw, testPIN)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrLogin))
	assert.True(t, errors.Is(err, crypto11.ErrPinLocked))
	assert.Equal(t, uint(pkcs11.CKR_PIN_LOCKED), crypto11.Status(err))

	retries, err := p.PinRetryEstimate(f.auth.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
}

func TestLogin_Pinpad(t *testing.T) {
	f := certs()
	m := p11mock.New(cardSlot(1, "JANE", pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH, f.sign))
	p := loadMock(t, m)

	pinpad, err := p.IsPinpad(f.sign.Certificate.Raw)
	require.NoError(t, err)
	assert.True(t, pinpad)

	require.NoError(t, p.Login(f.sign.Certificate.Raw, ""))
	_, err = p.Sign(f.sign.Certificate.Raw, make([]byte, 32))
	require.NoError(t, err)
}

func TestLogin_Errors(t *testing.T) {
	f := certs()

	p := crypto11.New()
	err := p.Login(f.auth.Certificate.Raw, testPIN)
	assert.True(t, errors.Is(err, crypto11.ErrUnknownCertificate), "not loaded")

	slot := cardSlot(1, "JANE", 0, f.auth)
	m := p11mock.New(slot)
	p = loadMock(t, m)

	err = p.Login(f.sign.Certificate.Raw, testPIN)
	assert.True(t, errors.Is(err, crypto11.ErrUnknownCertificate))
	assert.False(t, p.HasSession())

	slot.OpenSessionErr = pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	err = p.Login(f.auth.Certificate.Raw, testPIN)
	assert.True(t, errors.Is(err, crypto11.ErrSessionOpen))
	assert.Equal(t, uint(pkcs11.CKR_TOKEN_NOT_PRESENT), crypto11.Status(err))
	assert.False(t, p.HasSession())
}

func TestTokenQueries(t *testing.T) {
	f := certs()
	m := p11mock.New(
		cardSlot(1, "JANE", pkcs11.CKF_USER_PIN_COUNT_LOW, f.auth),
		cardSlot(2, "RICHARD", pkcs11.CKF_USER_PIN_FINAL_TRY|pkcs11.CKF_USER_PIN_COUNT_LOW, f.auth2),
	)
	p := loadMock(t, m)

	minLen, maxLen, err := p.PinLengths(f.auth.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint(4), minLen)
	assert.Equal(t, uint(12), maxLen)

	pinpad, err := p.IsPinpad(f.auth.Certificate.Raw)
	require.NoError(t, err)
	assert.False(t, pinpad)

	retries, err := p.PinRetryEstimate(f.auth.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, 2, retries)

	retries, err = p.PinRetryEstimate(f.auth2.Certificate.Raw)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	unknown := f.sign.Certificate.Raw
	_, _, err = p.PinLengths(unknown)
	assert.True(t, errors.Is(err, crypto11.ErrUnknownCertificate))
	_, err = p.IsPinpad(unknown)
	assert.True(t, errors.Is(err, crypto11.ErrUnknownCertificate))
	_, err = p.PinRetryEstimate(unknown)
	assert.True(t, errors.Is(err, crypto11.ErrUnknownCertificate))
}
