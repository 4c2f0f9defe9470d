package crypto11

import (
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// MaxCertsPerSlot limits the number of certificate objects read from a slot:
// a card usually holds one authentication and one signing certificate
const MaxCertsPerSlot = 2

// enumerate builds a new directory from all slots with a token present.
// Per-slot failures are logged, collected and skipped.
func (p11lib *PKCS11Lib) enumerate() (*Directory, []error) {
	dir := newDirectory()
	var errs []error

	ctx := p11lib.Ctx
	var slots []uint
	err := call("C_GetSlotList", func() (err error) {
		slots, err = ctx.GetSlotList(true)
		return
	})
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "GetSlotList", "err", err.Error())
		return dir, append(errs, errors.Mark(errors.WithMessage(err, "C_GetSlotList"), ErrSlotEnumeration))
	}

	logger.KV(xlog.DEBUG, "slots", len(slots))

	for _, slotID := range slots {
		if err := p11lib.enumerateSlot(dir, slotID); err != nil {
			errs = append(errs, err)
		}
	}
	return dir, errs
}

func (p11lib *PKCS11Lib) enumerateSlot(dir *Directory, slotID uint) error {
	ctx := p11lib.Ctx

	if p11lib.filter.Reader != "" {
		var si pkcs11.SlotInfo
		err := call("C_GetSlotInfo", func() (err error) {
			si, err = ctx.GetSlotInfo(slotID)
			return
		})
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "skip_slot", "slot", slotID, "err", err.Error())
			return errors.Mark(errors.WithMessagef(err, "C_GetSlotInfo on slot %d", slotID), ErrSlotEnumeration)
		}
		if !p11lib.filter.acceptsSlot(&si) {
			logger.KV(xlog.DEBUG, "reason", "filtered", "slot", slotID, "reader", si.SlotDescription)
			return nil
		}
	}

	var ti pkcs11.TokenInfo
	err := call("C_GetTokenInfo", func() (err error) {
		ti, err = ctx.GetTokenInfo(slotID)
		return
	})
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "skip_slot", "slot", slotID, "err", err.Error())
		return errors.Mark(errors.WithMessagef(err, "C_GetTokenInfo on slot %d", slotID), ErrTokenInfoUnavailable)
	}

	if !p11lib.filter.acceptsToken(&ti) {
		logger.KV(xlog.DEBUG, "reason", "filtered", "slot", slotID, "manufacturer", ti.ManufacturerID)
		return nil
	}

	token, err := newToken(slotID, &ti)
	if err != nil {
		return errors.Mark(err, ErrTokenInfoUnavailable)
	}
	logger.KV(xlog.DEBUG, "slot", slotID, "label", token.Label)

	var sh pkcs11.SessionHandle
	err = call("C_OpenSession", func() (err error) {
		sh, err = ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION)
		return
	})
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "skip_slot", "slot", slotID, "err", err.Error())
		return errors.Mark(errors.WithMessagef(err, "C_OpenSession on slot %d", slotID), ErrSlotEnumeration)
	}
	defer func() {
		_ = call("C_CloseSession", func() error { return ctx.CloseSession(sh) })
	}()

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	handles, err := findObjects(ctx, sh, template, MaxCertsPerSlot)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "find_certs", "slot", slotID, "err", err.Error())
		return errors.Mark(errors.WithMessagef(err, "find certificates on slot %d", slotID), ErrSlotEnumeration)
	}

	logger.KV(xlog.DEBUG, "slot", slotID, "certs", len(handles))

	for _, obj := range handles {
		attrs := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		}
		err = call("C_GetAttributeValue", func() (err error) {
			attrs, err = ctx.GetAttributeValue(sh, obj, attrs)
			return
		})
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "GetAttributeValue", "slot", slotID, "obj", obj, "err", err.Error())
			continue
		}

		var der, id []byte
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_VALUE:
				der = a.Value
			case pkcs11.CKA_ID:
				id = a.Value
			}
		}
		if len(der) == 0 {
			logger.KV(xlog.WARNING, "reason", "empty_value", "slot", slotID, "obj", obj)
			continue
		}
		if dir.add(der, token, id) {
			logger.KV(xlog.INFO, "slot", slotID, "label", token.Label, "id", hex.EncodeToString(id))
		}
	}
	return nil
}

// findObjects returns up to limit objects matching the template
func findObjects(ctx Cryptoki, sh pkcs11.SessionHandle, template []*pkcs11.Attribute, limit int) ([]pkcs11.ObjectHandle, error) {
	err := call("C_FindObjectsInit", func() error {
		return ctx.FindObjectsInit(sh, template)
	})
	if err != nil {
		return nil, err
	}

	var handles []pkcs11.ObjectHandle
	err = call("C_FindObjects", func() (err error) {
		handles, _, err = ctx.FindObjects(sh, limit)
		return
	})

	ferr := call("C_FindObjectsFinal", func() error {
		return ctx.FindObjectsFinal(sh)
	})
	if err != nil {
		return nil, err
	}
	if ferr != nil {
		return nil, ferr
	}
	if len(handles) > limit {
		handles = handles[:limit]
	}
	return handles, nil
}
