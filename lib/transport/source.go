// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"

	"github.com/capsule-apps/capsule/lib/store"
)

// Source is the capability set shared by repository, bundle, and OCI
// pull sources. The pull engine is written against this interface and
// never cares which backing it talks to.
type Source interface {
	// ResolveRef returns the source's current commit for a canonical
	// ref name.
	ResolveRef(ctx context.Context, name string) (store.Checksum, error)

	// FetchMetaObject returns the canonical bytes of a dirtree,
	// dirmeta, or commit object.
	FetchMetaObject(ctx context.Context, checksum store.Checksum, kind store.ObjectKind) ([]byte, error)

	// FetchFileObject returns the metadata bytes and payload of a
	// file object.
	FetchFileObject(ctx context.Context, checksum store.Checksum) (meta, content []byte, err error)

	// ListSignatures returns the detached signatures published for a
	// commit, outermost first. Empty when the source is unsigned.
	ListSignatures(ctx context.Context, commit store.Checksum) ([][]byte, error)
}
