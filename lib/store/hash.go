// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Checksum is a 32-byte BLAKE3 digest. All object checksums (file,
// tree metadata, directory metadata, commit) are this size; the hex
// form is 64 characters, split aa/bb… for on-disk sharding.
type Checksum [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// checksums in different contexts, so a file object can never collide
// with a commit whose serialisation happens to match its content.
type domainKey [32]byte

// Domain separation keys. These are fixed protocol constants —
// changing them invalidates every existing object. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes,
// which keeps the keys inspectable in hex dumps.
var (
	fileDomainKey = domainKey{
		'c', 'a', 'p', 's', 'u', 'l', 'e', '.', 'o', 'b', 'j', 'e', 'c', 't', '.',
		'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	dirTreeDomainKey = domainKey{
		'c', 'a', 'p', 's', 'u', 'l', 'e', '.', 'o', 'b', 'j', 'e', 'c', 't', '.',
		'd', 'i', 'r', 't', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	dirMetaDomainKey = domainKey{
		'c', 'a', 'p', 's', 'u', 'l', 'e', '.', 'o', 'b', 'j', 'e', 'c', 't', '.',
		'd', 'i', 'r', 'm', 'e', 't', 'a', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	commitDomainKey = domainKey{
		'c', 'a', 'p', 's', 'u', 'l', 'e', '.', 'o', 'b', 'j', 'e', 'c', 't', '.',
		'c', 'o', 'm', 'm', 'i', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func keyedHash(key domainKey, data ...[]byte) Checksum {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on wrong key size, which the domainKey
		// type rules out.
		panic("store: keyed hasher init: " + err.Error())
	}
	for _, d := range data {
		hasher.Write(d)
	}
	var checksum Checksum
	hasher.Sum(checksum[:0])
	return checksum
}

// hashForKind returns the domain-keyed checksum of data for the given
// object kind. File objects hash metadata ‖ content and use
// hashFileObject instead.
func hashForKind(kind ObjectKind, data []byte) Checksum {
	switch kind {
	case ObjectDirTree:
		return keyedHash(dirTreeDomainKey, data)
	case ObjectDirMeta:
		return keyedHash(dirMetaDomainKey, data)
	case ObjectCommit:
		return keyedHash(commitDomainKey, data)
	default:
		panic("store: hashForKind on kind " + kind.String())
	}
}

// hashFileObject computes the file-object checksum over the canonical
// metadata serialisation followed by the content bytes.
func hashFileObject(metaBytes, content []byte) Checksum {
	return keyedHash(fileDomainKey, metaBytes, content)
}

// String returns the 64-character lowercase hex form.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Short returns the first 12 hex characters, used for deployment
// directory names and log output.
func (c Checksum) Short() string {
	return c.String()[:12]
}

// IsZero reports whether c is all zeroes (no checksum).
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalText implements encoding.TextMarshaler so checksums serialize
// as hex in CBOR records and keyfiles.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	parsed, err := ParseChecksum(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseChecksum parses a 64-character hex checksum.
func ParseChecksum(s string) (Checksum, error) {
	if len(s) != 64 {
		return Checksum{}, fmt.Errorf("checksum %q has %d characters, want 64", s, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Checksum{}, fmt.Errorf("checksum %q is not hex: %w", s, err)
	}
	var checksum Checksum
	copy(checksum[:], raw)
	return checksum, nil
}
