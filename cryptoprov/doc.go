// Package cryptoprov provides configuration of PKCS#11 modules.
//
// TokenConfig describes the module to load, the PIN and the purpose of
// certificates to use. When the configuration has no library path, the
// library is found by the ATR of the inserted card in a ModuleMap.
// Module maps are registered by name, the built-in DefaultModules is
// registered as "default" and points to OpenSC.
package cryptoprov
