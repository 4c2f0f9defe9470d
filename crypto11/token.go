package crypto11

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jinzhu/copier"
	"github.com/miekg/pkcs11"
)

// Token is a snapshot of the token metadata taken during enumeration.
// It is not refreshed when the card state changes.
type Token struct {
	SlotID    uint
	Label     string
	MinPinLen uint
	MaxPinLen uint
	// Pinpad is set when the reader has a protected authentication path
	Pinpad bool
	Flags  uint
}

// newToken returns Token for the slot
func newToken(slotID uint, ti *pkcs11.TokenInfo) (Token, error) {
	t := Token{}
	if err := copier.Copy(&t, ti); err != nil {
		return t, errors.WithStack(err)
	}
	t.SlotID = slotID
	t.Label = strings.Join(strings.Fields(t.Label), " ")
	t.Pinpad = ti.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0
	return t, nil
}

// RetryEstimate approximates remaining PIN attempts from the token flags:
// 0 when locked, 1 on final try, 2 when the count is low, otherwise 3.
func (t Token) RetryEstimate() int {
	switch {
	case t.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0:
		return 0
	case t.Flags&pkcs11.CKF_USER_PIN_FINAL_TRY != 0:
		return 1
	case t.Flags&pkcs11.CKF_USER_PIN_COUNT_LOW != 0:
		return 2
	}
	return 3
}
