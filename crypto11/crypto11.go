package crypto11

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/certutil"
	"github.com/effective-security/tokensign/cryptoprov"
	"github.com/effective-security/tokensign/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "crypto11")

// PKCS11Lib holds one loaded PKCS#11 module, the certificates found on its
// tokens and at most one open session.
//
// Public methods are serialized, and every call blocks until the module
// returns, including PIN entry on a pinpad reader.
type PKCS11Lib struct {
	lock   sync.Mutex
	loader LibLoader
	filter TokenFilter

	// Ctx is the function table of the loaded module, nil if not loaded
	Ctx         Cryptoki
	path        string
	initialized bool

	session     pkcs11.SessionHandle
	sessionSlot uint
	hasSession  bool

	dir      *Directory
	enumErrs []error
}

// Option configures PKCS11Lib
type Option func(*PKCS11Lib)

// WithLoader allows to specify a custom library loader
func WithLoader(loader LibLoader) Option {
	return func(p *PKCS11Lib) {
		p.loader = loader
	}
}

// New returns PKCS11Lib without a loaded module
func New(opts ...Option) *PKCS11Lib {
	p := &PKCS11Lib{
		loader: DefaultLoader,
		dir:    newDirectory(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init creates PKCS11Lib and loads the module specified by the config.
// Only the tokens accepted by NewTokenFilter(cfg) are enumerated,
// unless WithTokenFilter is provided.
func Init(cfg cryptoprov.TokenConfig, opts ...Option) (*PKCS11Lib, error) {
	p := New(append([]Option{WithTokenFilter(NewTokenFilter(cfg))}, opts...)...)
	if err := p.Load(cfg.Path()); err != nil {
		return nil, err
	}
	return p, nil
}

// ConfigureFromFile loads the token config and the module
func ConfigureFromFile(cfgPath string, opts ...Option) (*PKCS11Lib, error) {
	cfg, err := cryptoprov.LoadTokenConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return Init(cfg, opts...)
}

// Load replaces the current module with the library at the path,
// and enumerates certificates on all present tokens.
// On failure nothing stays loaded and the directory is empty.
func (p11lib *PKCS11Lib) Load(path string) error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), filepath.Base(path), "load")

	p11lib.release()

	ctx, err := p11lib.loader(path)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "load", "path", path, "err", err.Error())
		if !errors.Is(err, ErrModuleLoad) {
			err = errors.Mark(err, ErrModuleLoad)
		}
		return err
	}
	if ctx == nil {
		return errors.Mark(errors.Errorf("no function table: %s", path), ErrModuleLoad)
	}
	p11lib.Ctx = ctx
	p11lib.path = path

	err = call("C_Initialize", func() error { return ctx.Initialize() })
	switch Status(err) {
	case pkcs11.CKR_OK:
		p11lib.initialized = true
	case pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED:
		logger.KV(xlog.NOTICE, "reason", "already_initialized", "path", path)
	default:
		p11lib.release()
		return errors.Mark(errors.WithMessagef(err, "C_Initialize: %s", path), ErrInterfaceInit)
	}

	dir, enumErrs := p11lib.enumerate()
	p11lib.dir = dir
	p11lib.enumErrs = enumErrs

	logger.KV(xlog.INFO, "path", path, "certs", dir.Len(), "errors", len(enumErrs))
	return nil
}

// Close releases the module.
// The session is closed, the interface is finalized if it was initialized
// by this instance, and the library is unloaded, in that order.
func (p11lib *PKCS11Lib) Close() error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	p11lib.release()
	return nil
}

// release must be called with the lock held
func (p11lib *PKCS11Lib) release() {
	p11lib.dir = newDirectory()
	p11lib.enumErrs = nil

	ctx := p11lib.Ctx
	if ctx == nil {
		return
	}
	initialized := p11lib.initialized

	p11lib.Ctx = nil
	p11lib.initialized = false
	p11lib.path = ""

	// deferred in reverse order, so every step runs
	defer ctx.Destroy()
	defer func() {
		if initialized {
			_ = call("C_Finalize", ctx.Finalize)
		}
	}()
	p11lib.closeSession(ctx)
}

// closeSession closes the open session, errors are ignored
func (p11lib *PKCS11Lib) closeSession(ctx Cryptoki) {
	if !p11lib.hasSession {
		return
	}
	sh := p11lib.session
	p11lib.session = 0
	p11lib.sessionSlot = 0
	p11lib.hasSession = false
	if ctx != nil {
		_ = call("C_CloseSession", func() error { return ctx.CloseSession(sh) })
	}
}

// Path returns the location of the loaded module
func (p11lib *PKCS11Lib) Path() string {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	return p11lib.path
}

// IsLoaded returns true if a module is loaded
func (p11lib *PKCS11Lib) IsLoaded() bool {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	return p11lib.Ctx != nil
}

// EnumerationErrors returns non-fatal errors of the last Load
func (p11lib *PKCS11Lib) EnumerationErrors() []error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	return append([]error(nil), p11lib.enumErrs...)
}

// HasSession returns true if a session is open
func (p11lib *PKCS11Lib) HasSession() bool {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	return p11lib.hasSession
}

// Certificates returns raw certificates usable for the purpose
func (p11lib *PKCS11Lib) Certificates(purpose certutil.Purpose) [][]byte {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	return p11lib.dir.Certificates(func(der []byte) bool {
		return certutil.Matches(der, purpose)
	})
}

// AllCertificates returns all raw certificates found on the tokens
func (p11lib *PKCS11Lib) AllCertificates() [][]byte {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	return p11lib.dir.Certificates(nil)
}

// Lookup returns the token and key ID for the certificate
func (p11lib *PKCS11Lib) Lookup(cert []byte) (*Record, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	return p11lib.lookup(cert)
}

func (p11lib *PKCS11Lib) lookup(cert []byte) (*Record, error) {
	r, ok := p11lib.dir.Lookup(cert)
	if !ok {
		return nil, errors.WithStack(ErrUnknownCertificate)
	}
	return &r, nil
}
