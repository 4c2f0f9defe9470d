package cryptoprov

import (
	"encoding/hex"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/fileutil"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
	"gopkg.in/yaml.v3"
)

// ModuleMap maps a card ATR prefix, in hex, to the candidate
// PKCS#11 libraries for the card.
// The empty prefix matches any card.
type ModuleMap map[string][]string

// DefaultModules is the module map used when none is configured
var DefaultModules = ModuleMap{
	"": {
		"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so",
		"/usr/lib64/opensc-pkcs11.so",
		"/usr/lib/opensc-pkcs11.so",
		"/usr/local/lib/opensc-pkcs11.so",
		"/Library/OpenSC/lib/opensc-pkcs11.so",
	},
}

// NormalizeATR returns upper case hex ATR without separators
func NormalizeATR(atr string) string {
	return strings.ToUpper(strings.NewReplacer(" ", "", ":", "", "-", "").Replace(atr))
}

// ParseATR returns ATR bytes from hex string,
// that may contain space, colon or dash separators
func ParseATR(atr string) ([]byte, error) {
	b, err := hex.DecodeString(NormalizeATR(atr))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid ATR: %q", atr)
	}
	return b, nil
}

// LoadModuleMap loads module map from YAML file
func LoadModuleMap(filename string) (ModuleMap, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	raw := map[string][]string{}
	if err = yaml.Unmarshal(b, &raw); err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	m := ModuleMap{}
	for prefix, paths := range raw {
		m[NormalizeATR(prefix)] = paths
	}
	return m, nil
}

// prefixes returns prefixes ordered from the most specific
func (m ModuleMap) prefixes() []string {
	list := make([]string, 0, len(m))
	for p := range m {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if len(list[i]) != len(list[j]) {
			return len(list[i]) > len(list[j])
		}
		return list[i] < list[j]
	})
	return list
}

// Paths returns existing libraries for the cards,
// in order of the cards and the most specific prefix first
func (m ModuleMap) Paths(atrs [][]byte) []string {
	return m.appendPaths(nil, atrs)
}

func (m ModuleMap) appendPaths(res []string, atrs [][]byte) []string {
	prefixes := m.prefixes()
	for _, atr := range atrs {
		h := strings.ToUpper(hex.EncodeToString(atr))
		for _, prefix := range prefixes {
			if !strings.HasPrefix(h, NormalizeATR(prefix)) {
				continue
			}
			for _, path := range m[prefix] {
				if slices.ContainsString(res, path) {
					continue
				}
				if err := fileutil.FileExists(path); err != nil {
					logger.KV(xlog.DEBUG, "atr", h, "path", path, "err", err.Error())
					continue
				}
				res = append(res, path)
			}
		}
	}
	return res
}
