// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package keyfile

import (
	"path/filepath"
	"reflect"
	"testing"
)

const repoConfig = `[core]
repo_version=1
mode=bare-user-only

[remote "flathub"]
url=https://dl.flathub.org/repo/
gpg-verify=true
xa.title=Flathub
xa.prio=5
xa.languages=en;de;fr;
`

func TestParseRepoConfig(t *testing.T) {
	file, err := Parse([]byte(repoConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	groups := file.Groups()
	want := []string{"core", `remote "flathub"`}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("Groups = %v, want %v", groups, want)
	}

	if got := file.String(`remote "flathub"`, "url"); got != "https://dl.flathub.org/repo/" {
		t.Errorf("url = %q", got)
	}
	if !file.Bool(`remote "flathub"`, "gpg-verify", false) {
		t.Errorf("gpg-verify should parse true")
	}
	if got := file.Int(`remote "flathub"`, "xa.prio", 1); got != 5 {
		t.Errorf("xa.prio = %d, want 5", got)
	}
}

func TestStringListTrailingSemicolon(t *testing.T) {
	file, err := Parse([]byte(repoConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	list := file.StringList(`remote "flathub"`, "xa.languages")
	want := []string{"en", "de", "fr"}
	if !reflect.DeepEqual(list, want) {
		t.Errorf("StringList = %v, want %v", list, want)
	}

	if got := file.StringList("core", "missing"); got != nil {
		t.Errorf("missing list should be nil, got %v", got)
	}
}

func TestSetAndRoundTrip(t *testing.T) {
	file := New()
	file.SetString(`remote "origin"`, "url", "https://example.com/repo/")
	file.SetBool(`remote "origin"`, "gpg-verify", false)
	file.SetInt(`remote "origin"`, "xa.prio", 2)
	file.SetStringList(`remote "origin"`, "xa.subpaths", []string{"/bin", "/share"})

	path := filepath.Join(t.TempDir(), "config")
	if err := file.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := loaded.String(`remote "origin"`, "url"); got != "https://example.com/repo/" {
		t.Errorf("url after round trip = %q", got)
	}
	if loaded.Bool(`remote "origin"`, "gpg-verify", true) {
		t.Errorf("gpg-verify should round trip false")
	}
	if got := loaded.StringList(`remote "origin"`, "xa.subpaths"); !reflect.DeepEqual(got, []string{"/bin", "/share"}) {
		t.Errorf("subpaths = %v", got)
	}
}

func TestDeleteGroupAndKey(t *testing.T) {
	file, err := Parse([]byte(repoConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	file.Delete(`remote "flathub"`, "xa.title")
	if file.Has(`remote "flathub"`, "xa.title") {
		t.Errorf("deleted key still present")
	}

	file.DeleteGroup(`remote "flathub"`)
	if file.HasGroup(`remote "flathub"`) {
		t.Errorf("deleted group still present")
	}
	if !file.HasGroup("core") {
		t.Errorf("unrelated group removed")
	}
}

func TestEmptyListRemovesKey(t *testing.T) {
	file := New()
	file.SetStringList("g", "list", []string{"a"})
	file.SetStringList("g", "list", nil)
	if file.Has("g", "list") {
		t.Errorf("setting an empty list should remove the key")
	}
}
