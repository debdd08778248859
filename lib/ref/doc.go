// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines the versioned identity of applications and
// runtimes: the (kind, id, arch, branch) quadruple with its canonical
// string form "kind/id/arch/branch".
//
// Refs are validated at construction. A Ref value obtained from [New]
// or [Parse] is always well-formed; code downstream never re-validates.
// Partial user input ("org.gnome.Calculator",
// "org.gnome.Calculator//stable") is handled by [ParsePartial], which
// produces a [Partial] for the transaction engine's fuzzy matching.
package ref
