// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"strings"

	"github.com/capsule-apps/capsule/lib/keyfile"
	"github.com/capsule-apps/capsule/lib/ref"
)

// Metadata is the parsed application (or runtime) metadata keyfile: the
// declared runtime plus the extension points that expand into related
// refs.
type Metadata struct {
	// Name is the app or runtime id.
	Name string

	// Runtime and SDK are "id/arch/branch" triples; Runtime is empty
	// for runtimes.
	Runtime string
	SDK     string

	Extensions []Extension
}

// Extension is one [Extension ...] group: an optional ref this app or
// runtime can attach at run time.
type Extension struct {
	ID string

	// Version overrides the parent's branch for the extension ref.
	Version string

	// AutoInstall marks extensions fetched alongside their parent
	// (the default; no-autodownload turns it off).
	AutoInstall bool

	// AutoPrune marks extensions removed when their parent goes away.
	AutoPrune bool

	// Subdirectories extensions mount per-subdirectory and cannot be
	// resolved to a single ref without enumerating the remote.
	Subdirectories bool
}

const (
	groupApplication     = "Application"
	groupRuntime         = "Runtime"
	extensionGroupPrefix = "Extension "
)

// ParseMetadata parses a metadata keyfile blob.
func ParseMetadata(blob []byte) (*Metadata, error) {
	file, err := keyfile.Parse(blob)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{}
	group := groupApplication
	if !file.HasGroup(group) {
		group = groupRuntime
	}
	meta.Name = file.String(group, "name")
	meta.Runtime = file.String(group, "runtime")
	meta.SDK = file.String(group, "sdk")

	for _, name := range file.Groups() {
		if !strings.HasPrefix(name, extensionGroupPrefix) {
			continue
		}
		meta.Extensions = append(meta.Extensions, Extension{
			ID:             strings.TrimPrefix(name, extensionGroupPrefix),
			Version:        file.String(name, "version"),
			AutoInstall:    !file.Bool(name, "no-autodownload", false),
			AutoPrune:      file.Bool(name, "autodelete", false),
			Subdirectories: file.Bool(name, "subdirectories", false),
		})
	}
	return meta, nil
}

// RuntimeRef parses the declared runtime triple into a runtime ref.
func (m *Metadata) RuntimeRef() (ref.Ref, bool) {
	if m.Runtime == "" {
		return ref.Ref{}, false
	}
	parts := strings.Split(m.Runtime, "/")
	if len(parts) != 3 {
		return ref.Ref{}, false
	}
	r, err := ref.New(ref.KindRuntime, parts[0], parts[1], parts[2])
	if err != nil {
		return ref.Ref{}, false
	}
	return r, true
}

// RelatedRefs expands the extension points into concrete runtime refs
// for a parent deployed at (arch, branch). Subdirectory extensions are
// skipped; they need remote enumeration, which related-ref expansion
// deliberately avoids.
func (m *Metadata) RelatedRefs(arch, branch string) []RelatedRef {
	var related []RelatedRef
	for _, extension := range m.Extensions {
		if extension.Subdirectories {
			continue
		}
		version := extension.Version
		if version == "" {
			version = branch
		}
		r, err := ref.New(ref.KindRuntime, extension.ID, arch, version)
		if err != nil {
			continue
		}
		related = append(related, RelatedRef{
			Ref:         r,
			AutoInstall: extension.AutoInstall,
			AutoPrune:   extension.AutoPrune,
		})
	}
	return related
}

// RelatedRef is an extension resolved against its parent.
type RelatedRef struct {
	Ref         ref.Ref
	AutoInstall bool
	AutoPrune   bool
}
