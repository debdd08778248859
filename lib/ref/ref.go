// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// Kind distinguishes applications from runtimes. The kind determines
// where a ref deploys (/app vs /usr inside the sandbox) and which
// deployment subtree it lives under.
type Kind string

const (
	KindApp     Kind = "app"
	KindRuntime Kind = "runtime"
)

// ParseKind parses a kind segment.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "app":
		return KindApp, nil
	case "runtime":
		return KindRuntime, nil
	default:
		return "", errcode.New(errcode.InvalidRef, "invalid ref kind %q: must be app or runtime", s)
	}
}

// Ref is a validated application or runtime identity.
//
// The canonical string is pre-computed at construction so that map
// keys, log attrs, and on-disk ref paths never re-join the parts.
type Ref struct {
	kind      Kind
	id        string
	arch      string
	branch    string
	canonical string // "kind/id/arch/branch"
}

// New constructs a validated Ref.
func New(kind Kind, id, arch, branch string) (Ref, error) {
	if kind != KindApp && kind != KindRuntime {
		return Ref{}, errcode.New(errcode.InvalidRef, "invalid ref kind %q", string(kind))
	}
	if err := ValidateID(id); err != nil {
		return Ref{}, err
	}
	if arch == "" {
		return Ref{}, errcode.New(errcode.InvalidRef, "ref arch is empty")
	}
	if err := ValidateBranch(branch); err != nil {
		return Ref{}, err
	}
	return Ref{
		kind:      kind,
		id:        id,
		arch:      arch,
		branch:    branch,
		canonical: string(kind) + "/" + id + "/" + arch + "/" + branch,
	}, nil
}

// Parse parses a canonical ref string "kind/id/arch/branch".
func Parse(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Ref{}, errcode.New(errcode.InvalidRef, "invalid ref %q: expected kind/id/arch/branch", s)
	}
	kind, err := ParseKind(parts[0])
	if err != nil {
		return Ref{}, errcode.Wrap(errcode.InvalidRef, err, "invalid ref %q", s)
	}
	return New(kind, parts[1], parts[2], parts[3])
}

// MustParse parses a canonical ref string and panics on error. For
// tests and compile-time-constant refs only.
func MustParse(s string) Ref {
	r, err := Parse(s)
	if err != nil {
		panic("ref: " + err.Error())
	}
	return r
}

// IsZero reports whether r is the zero value (not a valid ref).
func (r Ref) IsZero() bool { return r.canonical == "" }

func (r Ref) Kind() Kind     { return r.kind }
func (r Ref) ID() string     { return r.id }
func (r Ref) Arch() string   { return r.arch }
func (r Ref) Branch() string { return r.branch }

// String returns the canonical form "kind/id/arch/branch".
func (r Ref) String() string { return r.canonical }

// IsApp reports whether the ref names an application.
func (r Ref) IsApp() bool { return r.kind == KindApp }

// WithBranch returns a copy of r with the branch replaced. Used for
// end-of-life rebase targets, which change only the branch.
func (r Ref) WithBranch(branch string) (Ref, error) {
	return New(r.kind, r.id, r.arch, branch)
}

// MarshalText implements encoding.TextMarshaler so refs serialize as
// their canonical string in CBOR and keyfiles.
func (r Ref) MarshalText() ([]byte, error) {
	if r.IsZero() {
		return nil, fmt.Errorf("cannot marshal zero-value ref")
	}
	return []byte(r.canonical), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Ref) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
