// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestDispatch(t *testing.T) {
	var ran []string
	root := &Command{
		Name: "capsule",
		Subcommands: []*Command{
			{Name: "install", Run: func(args []string) error {
				ran = args
				return nil
			}},
		},
	}
	if err := root.Execute([]string{"install", "org.example.App"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(ran) != 1 || ran[0] != "org.example.App" {
		t.Errorf("ran = %v", ran)
	}
}

func TestUnknownCommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "capsule",
		Subcommands: []*Command{
			{Name: "install", Run: func([]string) error { return nil }},
			{Name: "uninstall", Run: func([]string) error { return nil }},
		},
	}
	err := root.Execute([]string{"instal"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "install"`) {
		t.Errorf("suggestion missing: %v", err)
	}
}

func TestFlagParsing(t *testing.T) {
	var assumeYes bool
	cmd := &Command{
		Name: "uninstall",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("uninstall", pflag.ContinueOnError)
			fs.BoolVarP(&assumeYes, "assumeyes", "y", false, "answer yes to prompts")
			return fs
		},
		Run: func(args []string) error { return nil },
	}
	if err := cmd.Execute([]string{"-y", "org.example.App"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !assumeYes {
		t.Errorf("short flag not parsed")
	}
}

func TestUnknownFlagSuggestion(t *testing.T) {
	cmd := &Command{
		Name: "remotes",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("remotes", pflag.ContinueOnError)
			fs.Bool("show-details", false, "")
			return fs
		},
		Run: func(args []string) error { return nil },
	}
	err := cmd.Execute([]string{"--show-detail"})
	if err == nil || !strings.Contains(err.Error(), "--show-details") {
		t.Errorf("flag suggestion missing: %v", err)
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"install", "install", 0},
		{"instal", "install", 1},
		{"isntall", "install", 2},
		{"run", "uninstall", 8},
	}
	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
