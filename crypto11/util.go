package crypto11

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

// SlotTokenInfo describes a slot with a present token
type SlotTokenInfo struct {
	SlotID       uint
	Description  string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	Flags        uint
}

// TokensInfo returns list of tokens accepted by the token filter,
// queried from the module rather than from the enumeration snapshot.
// Slots that can not be queried are logged and skipped.
func (p11lib *PKCS11Lib) TokensInfo() ([]*SlotTokenInfo, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	ctx := p11lib.Ctx
	if ctx == nil {
		return nil, errors.Mark(errors.New("module is not loaded"), ErrModuleLoad)
	}

	var slots []uint
	err := call("C_GetSlotList", func() (err error) {
		slots, err = ctx.GetSlotList(true)
		return
	})
	if err != nil {
		return nil, errors.Mark(errors.WithStack(err), ErrSlotEnumeration)
	}

	logger.Tracef("slots=%d", len(slots))

	list := []*SlotTokenInfo{}
	for _, slotID := range slots {
		si, err := ctx.GetSlotInfo(slotID)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "GetSlotInfo", "slot", slotID, "err", err.Error())
			continue
		}
		if !p11lib.filter.acceptsSlot(&si) {
			continue
		}
		ti, err := ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.Errorf(
				"reason=GetTokenInfo, slotID=%d, ManufacturerID=%q, SlotDescription=%q, err=[%+v]",
				slotID,
				si.ManufacturerID,
				si.SlotDescription,
				err,
			)
			continue
		}
		if !p11lib.filter.acceptsToken(&ti) {
			continue
		}
		list = append(list, &SlotTokenInfo{
			SlotID:       slotID,
			Description:  strings.TrimSpace(si.SlotDescription),
			Label:        strings.TrimSpace(ti.Label),
			Manufacturer: strings.TrimSpace(ti.ManufacturerID),
			Model:        strings.TrimSpace(ti.Model),
			Serial:       strings.TrimSpace(ti.SerialNumber),
			Flags:        ti.Flags,
		})
	}
	return list, nil
}

func baseName(path string) string {
	return filepath.Base(path)
}
