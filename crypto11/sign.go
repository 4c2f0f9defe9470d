package crypto11

import (
	"crypto"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// DER encoded DigestInfo prefixes, RFC 8017 section 9.2
var digestInfoPrefix = map[int][]byte{
	crypto.SHA224.Size(): {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256.Size(): {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384.Size(): {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512.Size(): {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// DigestInfo returns the digest prefixed with DigestInfo of the hash
// algorithm selected by the digest length: SHA-224, SHA-256, SHA-384 or SHA-512.
// For any other length the digest is returned as is, and false,
// assuming the caller already built DigestInfo.
func DigestInfo(digest []byte) ([]byte, bool) {
	prefix, ok := digestInfoPrefix[len(digest)]
	res := make([]byte, 0, len(prefix)+len(digest))
	res = append(res, prefix...)
	res = append(res, digest...)
	return res, ok
}

// Sign produces RSA PKCS#1 v1.5 signature of the digest with the private key
// matching the certificate, using the session opened by Login.
//
// The session is closed when Sign returns, on success or failure,
// so every signature requires a new Login.
func (p11lib *PKCS11Lib) Sign(cert, digest []byte) ([]byte, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), p11lib.moduleName(), "sign")
	defer p11lib.closeSession(p11lib.Ctx)

	r, err := p11lib.lookup(cert)
	if err != nil {
		return nil, err
	}
	slotID := r.Token.SlotID

	if !p11lib.hasSession {
		return nil, errors.Mark(
			errors.WithMessagef(pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN), "no session on slot %d", slotID),
			ErrSigning)
	}
	if p11lib.sessionSlot != slotID {
		return nil, errors.Wrapf(ErrBusy, "session is open on slot %d, certificate is on slot %d", p11lib.sessionSlot, slotID)
	}

	ctx := p11lib.Ctx
	sh := p11lib.session

	logger.KV(xlog.DEBUG, "slot", slotID, "id", hex.EncodeToString(r.ID), "digest_len", len(digest))

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, r.ID),
	}
	// two are requested to detect ambiguous keys
	keys, err := findObjects(ctx, sh, template, 2)
	if err != nil {
		return nil, errors.Mark(errors.WithMessagef(err, "find key on slot %d", slotID), ErrKeyResolution)
	}
	if len(keys) != 1 {
		return nil, errors.Wrapf(ErrKeyResolution, "found %d keys with id %s", len(keys), hex.EncodeToString(r.ID))
	}

	tbs, known := DigestInfo(digest)
	if !known {
		logger.KV(xlog.WARNING,
			"reason", "unsupported_digest_length",
			"digest_len", len(digest),
			"action", "signing without DigestInfo prefix")
	}

	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	err = call("C_SignInit", func() error {
		return ctx.SignInit(sh, mechanism, keys[0])
	})
	if err != nil {
		return nil, errors.Mark(errors.WithMessagef(err, "C_SignInit on slot %d", slotID), ErrSigning)
	}

	// the binding calls C_Sign with NULL buffer to get the length,
	// then again with a buffer of that size
	var signature []byte
	err = call("C_Sign", func() (err error) {
		signature, err = ctx.Sign(sh, tbs)
		return
	})
	if err != nil {
		return nil, errors.Mark(errors.WithMessagef(err, "C_Sign on slot %d", slotID), ErrSigning)
	}

	logger.KV(xlog.DEBUG, "slot", slotID, "signature_len", len(signature))
	return signature, nil
}
