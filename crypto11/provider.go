package crypto11

import (
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// KeyInfo describes a private key object on a token
type KeyInfo struct {
	ID    string
	Label string
}

// EnumKeys returns lists of private keys on the slot.
// The keys are listed without login, so tokens that keep
// private objects behind the PIN may return an empty list.
func (p11lib *PKCS11Lib) EnumKeys(slotID uint) ([]KeyInfo, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	ctx := p11lib.Ctx
	if ctx == nil {
		return nil, errors.Mark(errors.New("module is not loaded"), ErrModuleLoad)
	}
	if p11lib.hasSession {
		return nil, errors.Wrapf(ErrBusy, "session is open on slot %d", p11lib.sessionSlot)
	}

	var sh pkcs11.SessionHandle
	err := call("C_OpenSession", func() (err error) {
		sh, err = ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION)
		return
	})
	if err != nil {
		return nil, errors.Mark(errors.WithMessagef(err, "OpenSession on slot %d", slotID), ErrSessionOpen)
	}
	defer func() {
		_ = call("C_CloseSession", func() error { return ctx.CloseSession(sh) })
	}()

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	keys, err := findObjects(ctx, sh, template, maxKeysPerSlot)
	if err != nil {
		return nil, errors.WithMessagef(err, "find keys on slot %d", slotID)
	}

	res := make([]KeyInfo, 0, len(keys))
	for _, obj := range keys {
		attributes := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		}
		if attributes, err = ctx.GetAttributeValue(sh, obj, attributes); err != nil {
			return nil, errors.WithMessagef(err, "GetAttributeValue on key")
		}

		ki := KeyInfo{}
		for _, a := range attributes {
			switch a.Type {
			case pkcs11.CKA_ID:
				ki.ID = hex.EncodeToString(a.Value)
			case pkcs11.CKA_LABEL:
				ki.Label = string(a.Value)
			}
		}
		res = append(res, ki)
	}
	return res, nil
}

const maxKeysPerSlot = 32
