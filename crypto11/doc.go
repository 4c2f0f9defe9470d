// Package crypto11 drives a PKCS#11 module to find smart card certificates
// and to sign with their private keys.
//
// PKCS11Lib loads one module at a time. Load walks every slot with a token
// present, reads up to two certificate objects per slot and keeps them in a
// Directory keyed by the raw certificate bytes, together with a snapshot of
// the token and the CKA_ID used to locate the private key.
//
// Signing follows a strict session policy:
//   - Login opens the only session, bound to the slot of the certificate
//   - Sign uses that session and closes it on return, successful or not
//   - a request for another slot while a session is open fails with ErrBusy
//
// The module is accessed through the Cryptoki interface, implemented by
// github.com/miekg/pkcs11.Ctx, so tests can substitute p11mock.
package crypto11
