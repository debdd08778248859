// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox launches deployed applications inside bubblewrap.
// The launcher composes the sandbox root from the app and runtime
// deployments, merges the permission context from app metadata,
// per-installation overrides, and the command line, renders the bwrap
// argument vector, and tracks running instances under the user
// runtime directory for ps and kill.
package sandbox
