package cryptoprov_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/tokensign/cryptoprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	f := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(f, []byte(content), 0o600))
	return f
}

func TestLoadTokenConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pin.txt", "1234\n")
	writeFile(t, dir, "modules.yaml", "3B:FE:18: [/opt/card/pkcs11.so]\n")

	yamlCfg := writeFile(t, dir, "token.yaml", `
manufacturer: OpenSC
path: /usr/lib/opensc-pkcs11.so
pin: file:pin.txt
purpose: sign
modules: modules.yaml
attributes: Reader=ACS, Origin=https://localhost
`)
	jsonCfg := writeFile(t, dir, "token.json", `{
	"Manufacturer": "OpenSC",
	"Path": "/usr/lib/opensc-pkcs11.so",
	"Pin": "file:`+filepath.Join(dir, "pin.txt")+`",
	"Purpose": "sign",
	"Modules": "modules.yaml",
	"Attributes": "Reader=ACS, Origin=https://localhost"
}`)

	for _, f := range []string{yamlCfg, jsonCfg} {
		t.Run(filepath.Ext(f), func(t *testing.T) {
			cfg, err := cryptoprov.LoadTokenConfig(f)
			require.NoError(t, err)
			assert.Equal(t, "OpenSC", cfg.Manufacturer())
			assert.Equal(t, "/usr/lib/opensc-pkcs11.so", cfg.Path())
			assert.Equal(t, "1234", cfg.Pin())
			assert.Equal(t, "sign", cfg.Purpose())
			assert.Equal(t, filepath.Join(dir, "modules.yaml"), cfg.Modules())
			assert.Equal(t, map[string]string{
				"Reader": "ACS",
				"Origin": "https://localhost",
			}, cryptoprov.ParseAttributes(cfg.Attributes()))
		})
	}
}

func TestLoadTokenConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := cryptoprov.LoadTokenConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	f := writeFile(t, dir, "bad.json", "{")
	_, err = cryptoprov.LoadTokenConfig(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode file")

	f = writeFile(t, dir, "nopin.yaml", "pin: file:missing.txt\n")
	_, err = cryptoprov.LoadTokenConfig(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to load PIN for configuration")
}

func TestNewTokenConfig(t *testing.T) {
	cfg := cryptoprov.NewTokenConfig("OpenSC", "/lib/p11.so")
	assert.Equal(t, "OpenSC", cfg.Manufacturer())
	assert.Equal(t, "/lib/p11.so", cfg.Path())
	assert.Empty(t, cfg.Pin())
	assert.Empty(t, cfg.Purpose())
	assert.Empty(t, cfg.Modules())
	assert.Empty(t, cryptoprov.ParseAttributes(cfg.Attributes()))
}
