package cryptoprov

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "cryptoprov")

// TokenConfig holds PKCS#11 module configuration information.
//
// Supply this to crypto11.Init(), or alternatively use crypto11.ConfigureFromFile().
type TokenConfig interface {
	// Manufacturer name of the manufacturer
	Manufacturer() string

	// Full path to PKCS#11 library.
	// If empty, the library is resolved from the module map by card ATR.
	Path() string

	// Pin is a secret to access the token.
	// If it's prefixed with `file:`, then it will be loaded from the file.
	Pin() string

	// Purpose of certificates to list: auth, sign or both
	Purpose() string

	// Modules is the location of the module map file
	Modules() string

	// Comma separated key=value pair of attributes(e.g. "Reader=x,Origin=y")
	Attributes() string
}

type tokenConfig struct {
	Man   string `json:"Manufacturer" yaml:"manufacturer"`
	Dir   string `json:"Path"         yaml:"path"`
	Pwd   string `json:"Pin"          yaml:"pin"`
	Purp  string `json:"Purpose"      yaml:"purpose"`
	Mods  string `json:"Modules"      yaml:"modules"`
	Attrs string `json:"Attributes"   yaml:"attributes"`
}

// NewTokenConfig returns TokenConfig for the library path
func NewTokenConfig(manufacturer, path string) TokenConfig {
	return &tokenConfig{
		Man: manufacturer,
		Dir: path,
	}
}

// Manufacturer name of the manufacturer
func (c *tokenConfig) Manufacturer() string {
	return c.Man
}

// Full path to PKCS#11 library
func (c *tokenConfig) Path() string {
	return c.Dir
}

// Pin is a secret to access the token.
func (c *tokenConfig) Pin() string {
	return c.Pwd
}

// Purpose of certificates to list
func (c *tokenConfig) Purpose() string {
	return c.Purp
}

// Modules is the location of the module map file
func (c *tokenConfig) Modules() string {
	return c.Mods
}

// Attributes is list of additional key=value pairs
func (c *tokenConfig) Attributes() string {
	return c.Attrs
}

// ParseAttributes returns map of key=value pairs from Attributes
func ParseAttributes(attrs string) map[string]string {
	res := map[string]string{}
	for _, kv := range strings.Split(attrs, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		res[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return res
}

// LoadTokenConfig loads PKCS#11 token configuration
func LoadTokenConfig(filename string) (TokenConfig, error) {
	cfr, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cfr.Close()
	tokenConfig := new(tokenConfig)

	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(cfr).Decode(tokenConfig)
	} else {
		err = yaml.NewDecoder(cfr).Decode(tokenConfig)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	baseDirs := configDirs(filename)

	pin := tokenConfig.Pin()
	if strings.HasPrefix(pin, "file:") {
		pinfile := resolveAny(pin[5:], baseDirs)
		pb, err := os.ReadFile(pinfile)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
		}
		tokenConfig.Pwd = strings.TrimSpace(string(pb))
	}

	if tokenConfig.Mods != "" {
		tokenConfig.Mods = resolveAny(tokenConfig.Mods, baseDirs)
	}

	return tokenConfig, nil
}

func configDirs(filename string) []string {
	cwd, _ := os.Getwd()
	return []string{
		"",
		cwd,
		filepath.Dir(filename),
	}
}

// resolveAny returns the first existing location of the file,
// or the file itself
func resolveAny(file string, baseDirs []string) string {
	for _, folder := range baseDirs {
		if resolved, err := resolve(file, folder); err == nil {
			return resolved
		}
		logger.KV(xlog.DEBUG, "reason", "resolve", "file", file, "basedir", folder)
	}
	return file
}

// resolve returns absolute file name relative to baseDir,
// or NewNotFound error.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	} else {
		resolved = file
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
