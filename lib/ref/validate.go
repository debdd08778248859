// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// maxIDLength is the maximum byte length of an application or runtime
// id. Matches the D-Bus well-known name limit, since app ids double as
// bus names on the session bus.
const maxIDLength = 255

// Character tables for the name and branch grammars. Table lookup
// keeps validation allocation-free on the hot path (every ref parse
// and every deployment scan).
var (
	idSegmentStart [256]bool // [A-Za-z_]
	idSegmentRest  [256]bool // [A-Za-z0-9_-]
	branchChars    [256]bool // [A-Za-z0-9._-]
)

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		idSegmentStart[c] = true
		idSegmentRest[c] = true
		branchChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		idSegmentStart[c] = true
		idSegmentRest[c] = true
		branchChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		idSegmentRest[c] = true
		branchChars[c] = true
	}
	idSegmentStart['_'] = true
	idSegmentRest['_'] = true
	idSegmentRest['-'] = true
	branchChars['.'] = true
	branchChars['_'] = true
	branchChars['-'] = true
}

// ValidateID checks the reverse-DNS name grammar: dot-separated
// segments of [A-Za-z_][A-Za-z0-9_-]*, at least two segments, at most
// 255 bytes total.
func ValidateID(id string) error {
	if id == "" {
		return errcode.New(errcode.InvalidName, "name is empty")
	}
	if len(id) > maxIDLength {
		return errcode.New(errcode.InvalidName, "name %q is %d bytes, maximum is %d", id, len(id), maxIDLength)
	}
	segments := strings.Split(id, ".")
	if len(segments) < 2 {
		return errcode.New(errcode.InvalidName, "name %q must have at least two dot-separated segments", id)
	}
	for _, segment := range segments {
		if segment == "" {
			return errcode.New(errcode.InvalidName, "name %q has an empty segment", id)
		}
		if !idSegmentStart[segment[0]] {
			return errcode.New(errcode.InvalidName, "name %q: segment %q must start with a letter or underscore", id, segment)
		}
		for i := 1; i < len(segment); i++ {
			if !idSegmentRest[segment[i]] {
				return errcode.New(errcode.InvalidName, "name %q: invalid character %q in segment %q", id, segment[i], segment)
			}
		}
	}
	return nil
}

// ValidateBranch checks the branch grammar [A-Za-z0-9._-]+.
func ValidateBranch(branch string) error {
	if branch == "" {
		return errcode.New(errcode.InvalidBranch, "branch is empty")
	}
	for i := 0; i < len(branch); i++ {
		if !branchChars[branch[i]] {
			return errcode.New(errcode.InvalidBranch, "branch %q: invalid character %q", branch, branch[i])
		}
	}
	return nil
}
