package crypto11

import (
	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Errors returned by PKCS11Lib.
// Use errors.Is to test the kind, and Status to get the native return value
// when the failure originated in the module.
var (
	// ErrModuleLoad is returned when the library can not be opened,
	// or it does not export C_GetFunctionList
	ErrModuleLoad = errors.New("module load failure")
	// ErrInterfaceInit is returned when C_Initialize fails
	ErrInterfaceInit = errors.New("interface init failure")
	// ErrSlotEnumeration is reported for slots that could not be listed or opened
	ErrSlotEnumeration = errors.New("slot enumeration failure")
	// ErrTokenInfoUnavailable is reported for slots without readable token info
	ErrTokenInfoUnavailable = errors.New("token info unavailable")
	// ErrSessionOpen is returned when C_OpenSession fails
	ErrSessionOpen = errors.New("session open failure")
	// ErrLogin is returned when C_Login fails
	ErrLogin = errors.New("login failure")
	// ErrPinIncorrect marks ErrLogin caused by a wrong PIN
	ErrPinIncorrect = errors.New("wrong PIN")
	// ErrPinLocked marks ErrLogin caused by a locked PIN
	ErrPinLocked = errors.New("PIN locked")
	// ErrPinExpired marks ErrLogin caused by an expired PIN
	ErrPinExpired = errors.New("PIN expired")
	// ErrUnknownCertificate is returned for certificates not in the directory
	ErrUnknownCertificate = errors.New("unknown certificate")
	// ErrKeyResolution is returned when the private key is missing or ambiguous
	ErrKeyResolution = errors.New("key resolution failure")
	// ErrSigning is returned when the signature can not be produced
	ErrSigning = errors.New("signing failure")
	// ErrBusy is returned when a session is already open on another slot
	ErrBusy = errors.New("busy")
)

// loginError marks the native C_Login error with ErrLogin,
// and with the PIN failure kind if applicable.
func loginError(err error, slotID uint) error {
	err = errors.Mark(errors.WithMessagef(err, "C_Login on slot %d", slotID), ErrLogin)
	switch Status(err) {
	case pkcs11.CKR_PIN_INCORRECT:
		err = errors.Mark(err, ErrPinIncorrect)
	case pkcs11.CKR_PIN_LOCKED:
		err = errors.Mark(err, ErrPinLocked)
	case pkcs11.CKR_PIN_EXPIRED:
		err = errors.Mark(err, ErrPinExpired)
	}
	return err
}
