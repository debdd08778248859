// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// Keyring holds the trusted verification keys of one remote. The key
// material is a concatenation of raw ed25519 public keys (the config
// surface calls it GPGKey for compatibility with repo files; the blob
// is whatever the remote publishes as its verification key).
type Keyring struct {
	keys []ed25519.PublicKey
}

// keysPath returns the trusted-keys file for a remote name.
func keysPath(keysDir, name string) string {
	return filepath.Join(keysDir, name+".trustedkeys")
}

// ParseKeyring splits raw key material into ed25519 public keys. The
// blob length must be a whole number of keys.
func ParseKeyring(material []byte) (*Keyring, error) {
	if len(material) == 0 {
		return &Keyring{}, nil
	}
	if len(material)%ed25519.PublicKeySize != 0 {
		return nil, errcode.New(errcode.GpgInvalid, "key material is %d bytes, not a multiple of %d", len(material), ed25519.PublicKeySize)
	}
	ring := &Keyring{}
	for offset := 0; offset < len(material); offset += ed25519.PublicKeySize {
		key := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(key, material[offset:offset+ed25519.PublicKeySize])
		ring.keys = append(ring.keys, key)
	}
	return ring, nil
}

// LoadKeyring loads the trusted keys for a remote. A remote with no
// stored keys gets an empty keyring, which rejects everything.
func LoadKeyring(keysDir, name string) (*Keyring, error) {
	material, err := os.ReadFile(keysPath(keysDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return &Keyring{}, nil
		}
		return nil, fmt.Errorf("reading trusted keys for %s: %w", name, err)
	}
	return ParseKeyring(material)
}

// saveKeyMaterial stores raw key material for a remote, validating it
// first. Atomic via tmp + rename so a crashed add-remote never leaves
// a half-written keyring.
func saveKeyMaterial(keysDir, name string, material []byte) error {
	if _, err := ParseKeyring(material); err != nil {
		return err
	}
	path := keysPath(keysDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, material, 0o644); err != nil {
		return fmt.Errorf("writing trusted keys for %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing trusted keys for %s: %w", name, err)
	}
	return nil
}

// removeKeyMaterial drops a remote's stored keys, if any.
func removeKeyMaterial(keysDir, name string) error {
	err := os.Remove(keysPath(keysDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing trusted keys for %s: %w", name, err)
	}
	return nil
}

// Empty reports whether the keyring has no keys.
func (k *Keyring) Empty() bool { return len(k.keys) == 0 }

// Verify checks a detached signature blob over data. The blob is one
// or more concatenated ed25519 signatures; verification succeeds when
// any signature validates under any trusted key.
func (k *Keyring) Verify(data, signatures []byte) error {
	if len(k.keys) == 0 {
		return errcode.New(errcode.GpgInvalid, "no trusted keys configured")
	}
	if len(signatures) == 0 || len(signatures)%ed25519.SignatureSize != 0 {
		return errcode.New(errcode.SignatureMismatch, "signature blob is %d bytes, not a multiple of %d", len(signatures), ed25519.SignatureSize)
	}
	for offset := 0; offset < len(signatures); offset += ed25519.SignatureSize {
		sig := signatures[offset : offset+ed25519.SignatureSize]
		for _, key := range k.keys {
			if ed25519.Verify(key, data, sig) {
				return nil
			}
		}
	}
	return errcode.New(errcode.SignatureMismatch, "no signature matches a trusted key")
}
