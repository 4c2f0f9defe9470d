package cli

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/crypto11"
	"github.com/effective-security/tokensign/cryptoprov"
	"github.com/effective-security/tokensign/x/print"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Version ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`

	Cfg      string `help:"Location of token config file" type:"path"`
	Module   string `help:"Location of PKCS#11 library, overrides the config"`
	ATR      string `name:"atr" help:"Card ATR in hex, to find PKCS#11 library in the module map"`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	loader crypto11.LibLoader
	cfg    cryptoprov.TokenConfig
	p11    *crypto11.PKCS11Lib
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// WithLoader allows to specify a custom PKCS#11 library loader
func (c *Cli) WithLoader(loader crypto11.LibLoader) *Cli {
	c.loader = loader
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(_ *kong.Kong, _ kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) {
	print.JSON(c.Writer(), value)
}

type moduleConfig struct {
	cryptoprov.TokenConfig
	path string
}

func (c *moduleConfig) Path() string {
	return c.path
}

// TokenConfig returns the token config, with the library path
// resolved from --module, the config file or the card ATR
func (c *Cli) TokenConfig() (cryptoprov.TokenConfig, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	cfg := cryptoprov.NewTokenConfig("", "")
	if c.Cfg != "" {
		var err error
		cfg, err = cryptoprov.LoadTokenConfig(c.Cfg)
		if err != nil {
			return nil, err
		}
	}

	path := c.Module
	if path == "" && cfg.Path() == "" {
		if c.ATR == "" {
			return nil, errors.New("use --module, --cfg or --atr flag to specify PKCS#11 library")
		}
		atr, err := cryptoprov.ParseATR(c.ATR)
		if err != nil {
			return nil, err
		}
		path, err = cryptoprov.ResolvePath(cfg, [][]byte{atr})
		if err != nil {
			return nil, err
		}
	}
	if path != "" {
		cfg = &moduleConfig{TokenConfig: cfg, path: path}
	}

	logger.KV(xlog.DEBUG, "module", cfg.Path())
	c.cfg = cfg
	return cfg, nil
}

// P11 returns the loaded PKCS#11 module
func (c *Cli) P11() (*crypto11.PKCS11Lib, error) {
	if c.p11 != nil {
		return c.p11, nil
	}

	cfg, err := c.TokenConfig()
	if err != nil {
		return nil, err
	}

	var opts []crypto11.Option
	if c.loader != nil {
		opts = append(opts, crypto11.WithLoader(c.loader))
	}

	p11, err := crypto11.Init(cfg, opts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load PKCS#11 module %s", cfg.Path())
	}
	for _, err := range p11.EnumerationErrors() {
		logger.KV(xlog.WARNING, "reason", "enumeration", "err", err.Error())
	}

	c.p11 = p11
	return p11, nil
}

// Close releases the loaded module
func (c *Cli) Close() {
	if c.p11 != nil {
		_ = c.p11.Close()
		c.p11 = nil
	}
}
