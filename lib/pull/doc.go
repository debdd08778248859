// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package pull imports commit closures into the object store. Three
// source shapes are supported: HTTP repositories (via the transport
// Source interface), single-file bundles, and OCI images. Every import
// runs inside one store transaction, so a failed or cancelled pull
// leaves no observable change.
package pull
