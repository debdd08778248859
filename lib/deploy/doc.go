// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package deploy manages deployments: per-ref checked-out trees under
// <installation>/app and <installation>/runtime, the active and
// current symlinks, the merged host-visible exports directory, and
// undeploy staging under deleted/.
//
// A deployment directory is immutable once active; the launcher
// depends on that instead of taking the repo lock while a sandbox
// runs.
package deploy
