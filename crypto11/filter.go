package crypto11

import (
	"strings"

	"github.com/effective-security/tokensign/cryptoprov"
	"github.com/miekg/pkcs11"
)

// AttributeReader is the token config attribute that limits
// enumeration to the slots whose description contains its value
const AttributeReader = "Reader"

// TokenFilter selects the tokens to work with.
// An empty filter accepts every token.
type TokenFilter struct {
	// Manufacturer is matched against the token ManufacturerID
	Manufacturer string
	// Reader is a case insensitive substring of the slot description
	Reader string
}

// NewTokenFilter returns the filter defined by the token config:
// its Manufacturer and the Reader attribute
func NewTokenFilter(cfg cryptoprov.TokenConfig) TokenFilter {
	return TokenFilter{
		Manufacturer: strings.TrimSpace(cfg.Manufacturer()),
		Reader:       cryptoprov.ParseAttributes(cfg.Attributes())[AttributeReader],
	}
}

// WithTokenFilter allows to limit the tokens to enumerate
func WithTokenFilter(f TokenFilter) Option {
	return func(p *PKCS11Lib) {
		p.filter = f
	}
}

// acceptsToken returns false if the token is from another manufacturer
func (f TokenFilter) acceptsToken(ti *pkcs11.TokenInfo) bool {
	return f.Manufacturer == "" ||
		strings.EqualFold(strings.TrimSpace(ti.ManufacturerID), f.Manufacturer)
}

// acceptsSlot returns false if the slot is in another reader
func (f TokenFilter) acceptsSlot(si *pkcs11.SlotInfo) bool {
	return f.Reader == "" ||
		strings.Contains(strings.ToLower(si.SlotDescription), strings.ToLower(f.Reader))
}
