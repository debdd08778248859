// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the lightweight command tree the capsule binary is
// built on: nested commands with pflag flag sets, structured help
// output, and typo suggestions for unknown commands and flags.
package cli
