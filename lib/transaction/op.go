// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/store"
)

// OpKind is the operation type in the graph.
type OpKind int

const (
	OpInstall OpKind = iota
	OpUpdate
	OpUninstall
	OpInstallBundle
	OpUpdateAppstream
	OpReinstall
)

func (k OpKind) String() string {
	switch k {
	case OpInstall:
		return "install"
	case OpUpdate:
		return "update"
	case OpUninstall:
		return "uninstall"
	case OpInstallBundle:
		return "install-bundle"
	case OpUpdateAppstream:
		return "update-appstream"
	case OpReinstall:
		return "reinstall"
	default:
		return "unknown"
	}
}

// Operation is one node of the transaction graph.
type Operation struct {
	Kind OpKind

	// Ref is set for all kinds except InstallBundle (where it is
	// resolved from the bundle header) and UpdateAppstream (where only
	// the remote matters).
	Ref ref.Ref

	// Remote is the origin remote name; empty for bundle installs.
	Remote string

	// BundlePath is set for InstallBundle.
	BundlePath string

	// Commit is the resolved target, filled during planning for
	// install/update ops.
	Commit store.Checksum

	// Requested distinguishes user-added ops from dependencies the
	// planner expanded.
	Requested bool

	// AutoPrune marks dependency installs whose refs are removed when
	// their parent is uninstalled.
	AutoPrune bool

	// EndOfLife and EOLRebase carry the remote's end-of-life notice
	// for the installed ref, filled during execution so the UI can
	// warn.
	EndOfLife string
	EOLRebase string

	// target is the raw user-supplied ref text, resolved to Ref during
	// planning.
	target string

	deps []*Operation
}

// Deps returns the operations that must complete before this one.
func (o *Operation) Deps() []*Operation { return o.deps }

// String renders the op for logs and prompts.
func (o *Operation) String() string {
	switch o.Kind {
	case OpInstallBundle:
		return "install-bundle " + o.BundlePath
	case OpUpdateAppstream:
		return "update-appstream " + o.Remote
	default:
		return o.Kind.String() + " " + o.Ref.String()
	}
}
