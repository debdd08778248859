// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package transaction plans and executes operation graphs over an
// installation: install, update, and uninstall requests are resolved
// to full refs, expanded with their runtime and related-ref
// dependencies, ordered topologically, and executed one store
// transaction per operation. Progress and prompts flow over channels
// so the CLI (or any other frontend) stays out of the engine.
package transaction
