// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the capability set a pull source must
// provide (resolve a ref, fetch objects, list commit signatures) and
// implements it over HTTP repositories with retrying fetches. Bundle
// and OCI sources implement the same interface in lib/pull.
package transport
