// Package keystore adapts a Nintendo prod.keys-style properties file into
// an nca.KeyStore.
//
// Grounded directly on settings/keys.go's InitSwitchKeys: same
// properties.LoadFile(path, properties.UTF8) call and same fallback chain
// (explicit path, then ${HOME}/.switch/prod.keys), generalized from that
// file's single flat GetKey(name string) lookup into the three typed
// accessors nca.KeyStore requires, with hex-decoding and convention-based
// key naming (header_key, key_area_key_application_<gen>, titlekek_<rev>)
// layered on top.
package keystore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/magiconair/properties"
)

// KeyStore is a prod.keys-backed nca.KeyStore.
type KeyStore struct {
	keys map[string]string
}

// Load reads a prod.keys file, trying path first and falling back to
// ${HOME}/.switch/prod.keys, mirroring settings/keys.go's InitSwitchKeys.
func Load(path string) (*KeyStore, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr == nil {
			p, err = properties.LoadFile(filepath.Join(home, ".switch", "prod.keys"), properties.UTF8)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: couldn't find prod.keys: %w", err)
	}

	ks := &KeyStore{keys: map[string]string{}}
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		ks.keys[key] = value
	}
	return ks, nil
}

func (k *KeyStore) key16(name string) ([16]byte, error) {
	var out [16]byte
	raw, ok := k.keys[name]
	if !ok {
		return out, fmt.Errorf("keystore: missing key %q", name)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, fmt.Errorf("keystore: key %q is not valid hex: %w", name, err)
	}
	if len(decoded) != 16 {
		return out, fmt.Errorf("keystore: key %q has length %d, want 16", name, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// HeaderKeyPair implements nca.KeyStore, sourcing header_key (a
// concatenated 32-byte data||tweak key pair, the standard prod.keys
// convention) split into its two 16-byte halves.
func (k *KeyStore) HeaderKeyPair() ([16]byte, [16]byte, error) {
	var dataKey, tweakKey [16]byte
	raw, ok := k.keys["header_key"]
	if !ok {
		return dataKey, tweakKey, fmt.Errorf("keystore: missing key %q", "header_key")
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return dataKey, tweakKey, fmt.Errorf("keystore: header_key must be 32 bytes of hex")
	}
	copy(dataKey[:], decoded[:16])
	copy(tweakKey[:], decoded[16:])
	return dataKey, tweakKey, nil
}

// ApplicationKey implements nca.KeyStore, sourcing
// key_area_key_application_<gen> where gen is a lowercase two-digit hex
// key generation index. kaekIndex is currently ignored: the "application"
// key area encryption key is the only kaek_index this module resolves;
// ocean/system slots are out of scope, §4.2 Non-goals.
func (k *KeyStore) ApplicationKey(kaekIndex, keyGeneration int) ([16]byte, error) {
	name := fmt.Sprintf("key_area_key_application_%02x", keyGeneration)
	return k.key16(name)
}

// TitlekeyKek implements nca.KeyStore, sourcing titlekek_<rev>.
func (k *KeyStore) TitlekeyKek(masterKeyRev int) ([16]byte, error) {
	name := fmt.Sprintf("titlekek_%02x", masterKeyRev)
	return k.key16(name)
}
