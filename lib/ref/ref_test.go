// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"strings"
	"testing"

	"github.com/capsule-apps/capsule/lib/errcode"
)

func TestParseCanonical(t *testing.T) {
	r, err := Parse("app/org.gnome.Calculator/x86_64/stable")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if r.Kind() != KindApp {
		t.Errorf("kind = %v, want app", r.Kind())
	}
	if r.ID() != "org.gnome.Calculator" {
		t.Errorf("id = %q", r.ID())
	}
	if r.Arch() != "x86_64" || r.Branch() != "stable" {
		t.Errorf("arch/branch = %q/%q", r.Arch(), r.Branch())
	}
	if r.String() != "app/org.gnome.Calculator/x86_64/stable" {
		t.Errorf("canonical = %q", r.String())
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []struct {
		in   string
		code errcode.Code
	}{
		{"", errcode.InvalidRef},
		{"app/org.gnome.Calculator/x86_64", errcode.InvalidRef},
		{"extension/org.x.Y/x86_64/stable", errcode.InvalidRef},
		{"app/Calculator/x86_64/stable", errcode.InvalidName},
		{"app/org..Calculator/x86_64/stable", errcode.InvalidName},
		{"app/org.9gnome.Calc/x86_64/stable", errcode.InvalidName},
		{"app/org.gnome.Calc!/x86_64/stable", errcode.InvalidName},
		{"app/org.gnome.Calc/x86_64/sta ble", errcode.InvalidBranch},
		{"app/org.gnome.Calc/x86_64/", errcode.InvalidBranch},
	}
	for _, tc := range cases {
		_, err := Parse(tc.in)
		if err == nil {
			t.Errorf("Parse(%q) should fail", tc.in)
			continue
		}
		if !errcode.Is(err, tc.code) {
			t.Errorf("Parse(%q) code = %v, want %v", tc.in, errcode.CodeOf(err), tc.code)
		}
	}
}

func TestValidateIDLength(t *testing.T) {
	long := "org." + strings.Repeat("a", 255)
	if err := ValidateID(long); err == nil {
		t.Errorf("over-long id should be rejected")
	}
	// Underscores and hyphens are legal after the first character.
	if err := ValidateID("org.example.App_2-beta"); err != nil {
		t.Errorf("ValidateID rejected legal id: %v", err)
	}
	// Leading underscore on a segment is legal.
	if err := ValidateID("org._private.App"); err != nil {
		t.Errorf("ValidateID rejected leading underscore: %v", err)
	}
}

func TestTextRoundTrip(t *testing.T) {
	r := MustParse("runtime/org.gnome.Platform/x86_64/45")
	text, err := r.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	var back Ref
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != r {
		t.Errorf("round trip changed ref: %v != %v", back, r)
	}
}

func TestParsePartialForms(t *testing.T) {
	cases := []struct {
		in   string
		want Partial
	}{
		{"org.gnome.Calculator", Partial{ID: "org.gnome.Calculator"}},
		{"org.gnome.Calculator/stable", Partial{ID: "org.gnome.Calculator", Branch: "stable"}},
		{"org.gnome.Calculator//stable", Partial{ID: "org.gnome.Calculator", Branch: "stable"}},
		{"org.gnome.Calculator/x86_64/stable", Partial{ID: "org.gnome.Calculator", Arch: "x86_64", Branch: "stable"}},
		{"org.gnome.Calculator/x86_64/", Partial{ID: "org.gnome.Calculator", Arch: "x86_64"}},
	}
	for _, tc := range cases {
		got, err := ParsePartial(tc.in)
		if err != nil {
			t.Errorf("ParsePartial(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePartial(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPartialMatches(t *testing.T) {
	r := MustParse("app/org.gnome.Calculator/x86_64/stable")

	match, _ := ParsePartial("org.gnome.Calculator//stable")
	if !match.Matches(r) {
		t.Errorf("expected match")
	}
	mismatch, _ := ParsePartial("org.gnome.Calculator/aarch64/stable")
	if mismatch.Matches(r) {
		t.Errorf("arch mismatch should not match")
	}
}

func TestPartialComplete(t *testing.T) {
	p, _ := ParsePartial("org.gnome.Platform")
	r, err := p.Complete(KindRuntime, "x86_64", "45")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if r.String() != "runtime/org.gnome.Platform/x86_64/45" {
		t.Errorf("completed = %q", r)
	}
}

func TestWithBranch(t *testing.T) {
	r := MustParse("app/org.example.X/x86_64/stable")
	rebased, err := r.WithBranch("beta")
	if err != nil {
		t.Fatalf("WithBranch failed: %v", err)
	}
	if rebased.String() != "app/org.example.X/x86_64/beta" {
		t.Errorf("rebased = %q", rebased)
	}
}

func TestDefaultArchEnvOverride(t *testing.T) {
	t.Setenv(EnvArch, "riscv64")
	if got := DefaultArch(); got != "riscv64" {
		t.Errorf("DefaultArch with override = %q", got)
	}

	t.Setenv(EnvArch, "")
	if got := DefaultArch(); got == "" || strings.Contains(got, "amd") {
		t.Errorf("DefaultArch = %q, want a conventional ref spelling", got)
	}
}
