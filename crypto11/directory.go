package crypto11

import (
	"bytes"
)

// Record locates the private key for a certificate
type Record struct {
	// Token is the token snapshot of the owning slot
	Token Token
	// ID is CKA_ID of the certificate object
	ID []byte
}

// Directory maps raw certificate bytes to Record
type Directory struct {
	entries map[string]Record
	order   [][]byte
}

func newDirectory() *Directory {
	return &Directory{
		entries: make(map[string]Record),
	}
}

// add inserts the certificate, existing entries are never replaced
func (d *Directory) add(der []byte, token Token, id []byte) bool {
	key := string(der)
	if _, ok := d.entries[key]; ok {
		return false
	}
	d.entries[key] = Record{
		Token: token,
		ID:    bytes.Clone(id),
	}
	d.order = append(d.order, bytes.Clone(der))
	return true
}

// Lookup returns a copy of the Record for the certificate
func (d *Directory) Lookup(der []byte) (Record, bool) {
	if d == nil {
		return Record{}, false
	}
	r, ok := d.entries[string(der)]
	if !ok {
		return Record{}, false
	}
	r.ID = bytes.Clone(r.ID)
	return r, true
}

// Len returns the number of certificates
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Certificates returns raw certificates, filtered by accept if provided
func (d *Directory) Certificates(accept func(der []byte) bool) [][]byte {
	if d == nil {
		return nil
	}
	var list [][]byte
	for _, der := range d.order {
		if accept == nil || accept(der) {
			list = append(list, bytes.Clone(der))
		}
	}
	return list
}
