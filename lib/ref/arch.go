// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"os"
	"runtime"
)

// EnvArch overrides the detected default architecture.
const EnvArch = "CAPSULE_ARCH"

// DefaultArch returns the architecture used to complete
// under-qualified refs: the CAPSULE_ARCH override when set, otherwise
// the running machine's arch in its conventional ref spelling.
func DefaultArch() string {
	if arch := os.Getenv(EnvArch); arch != "" {
		return arch
	}
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}
