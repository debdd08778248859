// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the content-addressed object repository:
// commits reference directory-metadata and tree-metadata objects,
// trees reference file objects, and every object is addressed by the
// domain-keyed BLAKE3 checksum of its canonical serialisation.
//
// The store is append-only. All writes go through a [Transaction],
// which stages objects in a private directory and promotes them with
// atomic renames under an exclusive advisory lock; readers never take
// the lock. Ref updates commit after their objects are durable, so a
// ref can never point at a missing closure.
//
// Layout under the repo root:
//
//	config            repo + remote configuration (keyfile)
//	objects/aa/…      sharded objects (.file/.filemeta/.dirtree/.dirmeta/.commit)
//	refs/heads/…      one file per ref holding a hex checksum
//	summaries/        cached remote summaries
//	keys/             per-remote trusted verification keys
//	tmp/              transaction staging
//	.lock             advisory flock for writers
package store
