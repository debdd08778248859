// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote manages the per-installation remote registry: the
// [remote "name"] groups of the repo config, trusted verification keys
// under repo/keys, and the cached signed summaries under
// repo/summaries. The registry mutates the config under the repo
// writer lock; reads parse the config file directly.
package remote
