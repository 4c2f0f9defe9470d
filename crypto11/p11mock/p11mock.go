// Package p11mock provides an in-memory PKCS#11 module with slots, tokens,
// certificates and private keys, for tests of crypto11 consumers.
package p11mock

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"sync"

	"github.com/miekg/pkcs11"
)

// Object is a token object
type Object struct {
	Class uint
	ID    []byte
	Label string
	// Value is CKA_VALUE, the DER encoded certificate
	Value []byte
	// Key signs on behalf of a private key object
	Key crypto.Signer
	// Private objects are visible only after login
	Private bool
	// FailAttributes makes C_GetAttributeValue fail for the object
	FailAttributes bool
}

// Slot is a reader with a token
type Slot struct {
	ID          uint
	Description string
	// Token is nil when the token info can not be read
	Token   *pkcs11.TokenInfo
	Objects []*Object
	PIN     string
	// OpenSessionErr is returned by C_OpenSession
	OpenSessionErr error
	// SlotInfoErr is returned by C_GetSlotInfo
	SlotInfoErr error
}

type session struct {
	slot     *Slot
	loggedIn bool
	finding  bool
	found    []pkcs11.ObjectHandle
	signKey  *Object
}

type objectRef struct {
	slot *Slot
	obj  *Object
}

// Ctx implements the subset of pkcs11.Ctx methods used by crypto11
type Ctx struct {
	lock sync.Mutex

	Slots []*Slot

	// InitializeErr is returned by C_Initialize
	InitializeErr error
	// SlotListErr is returned by C_GetSlotList
	SlotListErr error
	// SignErr is returned by C_Sign
	SignErr error

	// Calls is the log of invoked functions
	Calls []string
	// Signed is the log of data passed to C_Sign
	Signed [][]byte

	Destroyed   bool
	Finalized   bool
	initialized bool

	sessions   map[pkcs11.SessionHandle]*session
	nextHandle pkcs11.SessionHandle
	objects    map[pkcs11.ObjectHandle]objectRef
}

// New returns a module with the slots
func New(slots ...*Slot) *Ctx {
	c := &Ctx{
		Slots:    slots,
		sessions: make(map[pkcs11.SessionHandle]*session),
		objects:  make(map[pkcs11.ObjectHandle]objectRef),
	}
	return c
}

// NewTokenInfo returns token info with PIN length from 4 to 12
func NewTokenInfo(label string, flags uint) *pkcs11.TokenInfo {
	return &pkcs11.TokenInfo{
		Label:          label,
		ManufacturerID: "p11mock",
		Model:          "PKCS#15 emulated",
		SerialNumber:   "0000" + label,
		Flags:          flags | pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_USER_PIN_INITIALIZED | pkcs11.CKF_LOGIN_REQUIRED,
		MinPinLen:      4,
		MaxPinLen:      12,
	}
}

// Certificate returns certificate object
func Certificate(id []byte, der []byte) *Object {
	return &Object{
		Class: pkcs11.CKO_CERTIFICATE,
		ID:    id,
		Value: der,
	}
}

// PrivateKey returns private key object, visible only after login
func PrivateKey(id []byte, key crypto.Signer) *Object {
	return &Object{
		Class:   pkcs11.CKO_PRIVATE_KEY,
		ID:      id,
		Key:     key,
		Private: true,
	}
}

func (c *Ctx) record(op string) {
	c.Calls = append(c.Calls, op)
}

// Count returns number of calls of the function
func (c *Ctx) Count(op string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, call := range c.Calls {
		if call == op {
			n++
		}
	}
	return n
}

// OpenSessions returns number of open sessions
func (c *Ctx) OpenSessions() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.sessions)
}

// Destroy unloads the module
func (c *Ctx) Destroy() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("Destroy")
	c.Destroyed = true
}

// Initialize implements C_Initialize
func (c *Ctx) Initialize(_ ...pkcs11.InitializeOption) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_Initialize")
	if c.InitializeErr != nil {
		return c.InitializeErr
	}
	if c.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	c.initialized = true
	return nil
}

// Finalize implements C_Finalize
func (c *Ctx) Finalize() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_Finalize")
	c.Finalized = true
	c.initialized = false
	return nil
}

func (c *Ctx) slot(slotID uint) *Slot {
	for _, s := range c.Slots {
		if s.ID == slotID {
			return s
		}
	}
	return nil
}

// GetSlotList implements C_GetSlotList
func (c *Ctx) GetSlotList(_ bool) ([]uint, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_GetSlotList")
	if c.SlotListErr != nil {
		return nil, c.SlotListErr
	}
	list := make([]uint, 0, len(c.Slots))
	for _, s := range c.Slots {
		list = append(list, s.ID)
	}
	return list, nil
}

// GetSlotInfo implements C_GetSlotInfo
func (c *Ctx) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_GetSlotInfo")
	s := c.slot(slotID)
	if s == nil {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if s.SlotInfoErr != nil {
		return pkcs11.SlotInfo{}, s.SlotInfoErr
	}
	return pkcs11.SlotInfo{
		SlotDescription: s.Description,
		ManufacturerID:  "p11mock",
		Flags:           pkcs11.CKF_TOKEN_PRESENT | pkcs11.CKF_HW_SLOT | pkcs11.CKF_REMOVABLE_DEVICE,
	}, nil
}

// GetTokenInfo implements C_GetTokenInfo
func (c *Ctx) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_GetTokenInfo")
	s := c.slot(slotID)
	if s == nil {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if s.Token == nil {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_RECOGNIZED)
	}
	return *s.Token, nil
}

// OpenSession implements C_OpenSession
func (c *Ctx) OpenSession(slotID uint, _ uint) (pkcs11.SessionHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_OpenSession")
	s := c.slot(slotID)
	if s == nil {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if s.OpenSessionErr != nil {
		return 0, s.OpenSessionErr
	}
	c.nextHandle++
	c.sessions[c.nextHandle] = &session{slot: s}
	return c.nextHandle, nil
}

// CloseSession implements C_CloseSession
func (c *Ctx) CloseSession(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_CloseSession")
	if _, ok := c.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(c.sessions, sh)
	return nil
}

// Login implements C_Login.
// An empty PIN is accepted on tokens with protected authentication path.
func (c *Ctx) Login(sh pkcs11.SessionHandle, _ uint, pin string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_Login")
	sess, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if sess.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if sess.slot.Token == nil {
		return pkcs11.Error(pkcs11.CKR_TOKEN_NOT_RECOGNIZED)
	}
	flags := sess.slot.Token.Flags
	switch {
	case flags&pkcs11.CKF_USER_PIN_LOCKED != 0:
		return pkcs11.Error(pkcs11.CKR_PIN_LOCKED)
	case flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0 && pin == "":
	case pin != sess.slot.PIN:
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	sess.loggedIn = true
	return nil
}

func (c *Ctx) handle(s *Slot, obj *Object) pkcs11.ObjectHandle {
	for h, ref := range c.objects {
		if ref.obj == obj {
			return h
		}
	}
	h := pkcs11.ObjectHandle(len(c.objects) + 1)
	c.objects[h] = objectRef{slot: s, obj: obj}
	return h
}

func (o *Object) attribute(typ uint) (*pkcs11.Attribute, bool) {
	switch typ {
	case pkcs11.CKA_CLASS:
		return pkcs11.NewAttribute(typ, o.Class), true
	case pkcs11.CKA_ID:
		return pkcs11.NewAttribute(typ, o.ID), true
	case pkcs11.CKA_LABEL:
		return pkcs11.NewAttribute(typ, o.Label), true
	case pkcs11.CKA_VALUE:
		return pkcs11.NewAttribute(typ, o.Value), true
	}
	return nil, false
}

func (o *Object) matches(template []*pkcs11.Attribute) bool {
	for _, t := range template {
		a, ok := o.attribute(t.Type)
		if !ok || !bytes.Equal(a.Value, t.Value) {
			return false
		}
	}
	return true
}

// FindObjectsInit implements C_FindObjectsInit
func (c *Ctx) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_FindObjectsInit")
	sess, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if sess.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	sess.finding = true
	sess.found = nil
	for _, obj := range sess.slot.Objects {
		if obj.Private && !sess.loggedIn {
			continue
		}
		if obj.matches(temp) {
			sess.found = append(sess.found, c.handle(sess.slot, obj))
		}
	}
	return nil
}

// FindObjects implements C_FindObjects
func (c *Ctx) FindObjects(sh pkcs11.SessionHandle, limit int) ([]pkcs11.ObjectHandle, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_FindObjects")
	sess, ok := c.sessions[sh]
	if !ok {
		return nil, false, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !sess.finding {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := min(limit, len(sess.found))
	res := sess.found[:n]
	sess.found = sess.found[n:]
	return res, len(sess.found) > 0, nil
}

// FindObjectsFinal implements C_FindObjectsFinal
func (c *Ctx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_FindObjectsFinal")
	sess, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !sess.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	sess.finding = false
	sess.found = nil
	return nil
}

func (c *Ctx) object(sess *session, o pkcs11.ObjectHandle) (*Object, error) {
	ref, ok := c.objects[o]
	if !ok || ref.slot != sess.slot || (ref.obj.Private && !sess.loggedIn) {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	return ref.obj, nil
}

// GetAttributeValue implements C_GetAttributeValue
func (c *Ctx) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_GetAttributeValue")
	sess, ok := c.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	obj, err := c.object(sess, o)
	if err != nil {
		return nil, err
	}
	if obj.FailAttributes {
		return nil, pkcs11.Error(pkcs11.CKR_DEVICE_ERROR)
	}
	res := make([]*pkcs11.Attribute, 0, len(a))
	for _, req := range a {
		attr, ok := obj.attribute(req.Type)
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res = append(res, attr)
	}
	return res, nil
}

// SignInit implements C_SignInit, only CKM_RSA_PKCS is supported
func (c *Ctx) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_SignInit")
	sess, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !sess.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	if len(m) != 1 || m[0].Mechanism != pkcs11.CKM_RSA_PKCS {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	obj, err := c.object(sess, o)
	if err != nil {
		return err
	}
	if obj.Class != pkcs11.CKO_PRIVATE_KEY || obj.Key == nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	sess.signKey = obj
	return nil
}

// Sign implements C_Sign
func (c *Ctx) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.record("C_Sign")
	sess, ok := c.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	key := sess.signKey
	if key == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	sess.signKey = nil
	c.Signed = append(c.Signed, bytes.Clone(message))
	if c.SignErr != nil {
		return nil, c.SignErr
	}

	// crypto.Hash(0) signs the input as is
	sig, err := key.Key.Sign(rand.Reader, message, crypto.Hash(0))
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	return sig, nil
}
