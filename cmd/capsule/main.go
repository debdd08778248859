// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Command capsule installs and runs sandboxed desktop applications.
package main

import (
	"fmt"
	"os"

	"github.com/capsule-apps/capsule/cmd/capsule/commands"
	"github.com/capsule-apps/capsule/lib/errcode"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	root := commands.Root(version)
	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(errcode.ExitCode(err))
	}
}
