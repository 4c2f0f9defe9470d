package crypto11

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// Login authenticates the user on the token that holds the certificate.
//
// An open session on the same slot is reused, an open session on another slot
// fails with ErrBusy. An empty pin is sent as an empty credential, which lets
// a pinpad reader collect the PIN itself.
// On C_Login failure the native error is returned marked with ErrLogin,
// and ErrPinIncorrect, ErrPinLocked or ErrPinExpired where it applies;
// the session stays open for a retry.
func (p11lib *PKCS11Lib) Login(cert []byte, pin string) error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), p11lib.moduleName(), "login")

	r, err := p11lib.lookup(cert)
	if err != nil {
		return err
	}
	slotID := r.Token.SlotID

	if p11lib.hasSession && p11lib.sessionSlot != slotID {
		return errors.Wrapf(ErrBusy, "session is open on slot %d", p11lib.sessionSlot)
	}

	ctx := p11lib.Ctx
	if !p11lib.hasSession {
		var sh pkcs11.SessionHandle
		err = call("C_OpenSession", func() (err error) {
			sh, err = ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION)
			return
		})
		if err != nil {
			return errors.Mark(errors.WithMessagef(err, "C_OpenSession on slot %d", slotID), ErrSessionOpen)
		}
		p11lib.session = sh
		p11lib.sessionSlot = slotID
		p11lib.hasSession = true
	}

	sh := p11lib.session
	err = call("C_Login", func() error {
		return ctx.Login(sh, pkcs11.CKU_USER, pin)
	})
	switch Status(err) {
	case pkcs11.CKR_OK:
	case pkcs11.CKR_USER_ALREADY_LOGGED_IN:
		logger.KV(xlog.DEBUG, "reason", "already_logged_in", "slot", slotID)
	default:
		logger.KV(xlog.WARNING, "reason", "login", "slot", slotID, "rv", ErrorName(Status(err)))
		return loginError(err, slotID)
	}
	return nil
}

// Logout closes the open session, if any
func (p11lib *PKCS11Lib) Logout() {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	p11lib.closeSession(p11lib.Ctx)
}

// PinLengths returns min and max PIN length of the token
// that holds the certificate
func (p11lib *PKCS11Lib) PinLengths(cert []byte) (uint, uint, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	r, err := p11lib.lookup(cert)
	if err != nil {
		return 0, 0, err
	}
	return r.Token.MinPinLen, r.Token.MaxPinLen, nil
}

// IsPinpad returns true if the reader of the token that holds
// the certificate has a protected authentication path
func (p11lib *PKCS11Lib) IsPinpad(cert []byte) (bool, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	r, err := p11lib.lookup(cert)
	if err != nil {
		return false, err
	}
	return r.Token.Pinpad, nil
}

// PinRetryEstimate returns the estimate of remaining PIN attempts,
// see Token.RetryEstimate
func (p11lib *PKCS11Lib) PinRetryEstimate(cert []byte) (int, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	r, err := p11lib.lookup(cert)
	if err != nil {
		return 0, err
	}
	return r.Token.RetryEstimate(), nil
}

func (p11lib *PKCS11Lib) moduleName() string {
	if p11lib.path == "" {
		return "none"
	}
	return baseName(p11lib.path)
}
