// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package errcode

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestIsMatchesThroughWrapping(t *testing.T) {
	base := New(RemoteNotFound, "remote %q not configured", "flathub")
	wrapped := fmt.Errorf("resolving ref: %w", base)

	if !Is(wrapped, RemoteNotFound) {
		t.Errorf("Is should match through fmt.Errorf wrapping")
	}
	if Is(wrapped, RemoteExists) {
		t.Errorf("Is matched the wrong code")
	}
	if Is(nil, RemoteNotFound) {
		t.Errorf("Is(nil) should never match")
	}
}

func TestCodeOfUnclassified(t *testing.T) {
	if got := CodeOf(io.EOF); got != Generic {
		t.Errorf("CodeOf(io.EOF) = %v, want Generic", got)
	}
	if got := CodeOf(Wrap(Busy, io.EOF, "deployment in use")); got != Busy {
		t.Errorf("CodeOf = %v, want Busy", got)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(NetworkUnavailable, cause, "fetching summary")

	want := "fetching summary: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Errorf("wrapped cause should be reachable via errors.Is")
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{InvalidRef, 2},
		{InvalidArgs, 2},
		{NotInstalled, 3},
		{AlreadyInstalled, 4},
		{Aborted, 5},
		{SandboxFailed, 1},
		{Generic, 1},
	}
	for _, tc := range cases {
		if got := ExitCode(New(tc.code, "x")); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
