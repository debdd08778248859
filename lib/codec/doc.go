// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides capsule's standard CBOR encoding configuration.
//
// The object store addresses every object by the BLAKE3 checksum of its
// canonical serialisation, and that serialisation is the deterministic
// CBOR this package produces: sorted map keys, smallest integer
// encoding, no indefinite-length items. Every package that writes
// commits, tree metadata, deploy data, summaries, or permission tables
// encodes through here so the bytes — and therefore the checksums —
// are identical regardless of which component produced them.
//
// For buffer-oriented operations (objects, records):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (bundle payloads):
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
package codec
