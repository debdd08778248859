// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// Partial is an under-qualified ref as typed by the user. Empty fields
// are wildcards the transaction engine resolves against installed
// refs, aliases, and remote summaries.
//
// Accepted forms: "id", "id/branch", "id//branch", "id/arch/branch".
// Any of arch and branch may be empty in the three-part form.
type Partial struct {
	ID     string
	Arch   string
	Branch string
}

// ParsePartial parses a partial ref string. The id part is always
// required and validated; arch and branch are validated only when
// present.
func ParsePartial(s string) (Partial, error) {
	parts := strings.Split(s, "/")
	var p Partial
	switch len(parts) {
	case 1:
		p.ID = parts[0]
	case 2:
		p.ID, p.Branch = parts[0], parts[1]
	case 3:
		p.ID, p.Arch, p.Branch = parts[0], parts[1], parts[2]
	default:
		return Partial{}, errcode.New(errcode.InvalidRef, "invalid ref %q: too many components", s)
	}
	if err := ValidateID(p.ID); err != nil {
		return Partial{}, err
	}
	if p.Branch != "" {
		if err := ValidateBranch(p.Branch); err != nil {
			return Partial{}, err
		}
	}
	return p, nil
}

// Matches reports whether r satisfies every constraint p carries.
func (p Partial) Matches(r Ref) bool {
	if p.ID != r.ID() {
		return false
	}
	if p.Arch != "" && p.Arch != r.Arch() {
		return false
	}
	if p.Branch != "" && p.Branch != r.Branch() {
		return false
	}
	return true
}

// Complete fills the wildcards of p with the given defaults and
// constructs a full Ref of the given kind.
func (p Partial) Complete(kind Kind, defaultArch, defaultBranch string) (Ref, error) {
	arch := p.Arch
	if arch == "" {
		arch = defaultArch
	}
	branch := p.Branch
	if branch == "" {
		branch = defaultBranch
	}
	return New(kind, p.ID, arch, branch)
}

// String returns the user-facing form of the partial, with wildcards
// rendered as empty components.
func (p Partial) String() string {
	if p.Arch == "" && p.Branch == "" {
		return p.ID
	}
	return p.ID + "/" + p.Arch + "/" + p.Branch
}
