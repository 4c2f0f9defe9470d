package crypto11

import (
	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Cryptoki wraps the parts of github.com/miekg/pkcs11.Ctx
// that PKCS11Lib requires, so the module can be mocked out for testing
type Cryptoki interface {
	Destroy()
	Initialize(opts ...pkcs11.InitializeOption) error
	Finalize() error
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// LibLoader opens PKCS#11 library and resolves its function table
type LibLoader func(path string) (Cryptoki, error)

// ensure compiles
var _ Cryptoki = (*pkcs11.Ctx)(nil)

// DefaultLoader opens the library with dlopen and resolves C_GetFunctionList
func DefaultLoader(path string) (Cryptoki, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		// pkcs11.New does not report the reason
		return nil, errors.Mark(
			errors.WithMessagef(pkcs11.Error(pkcs11.CKR_LIBRARY_LOAD_FAILED), "unable to load %q", path),
			ErrModuleLoad)
	}
	return ctx, nil
}
