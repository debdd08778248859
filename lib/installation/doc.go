// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package installation binds an installation root's object store,
// remote registry, and deploy manager into one handle, and discovers
// the set of installations visible to the current user: the per-user
// installation, the default system installation, and any extra system
// installations declared under <config>/installations.d/.
package installation
