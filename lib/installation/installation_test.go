// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package installation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
)

func TestUserLocationEnvOverride(t *testing.T) {
	t.Setenv(EnvUserDir, "/custom/user")
	if got := UserLocation().Path; got != "/custom/user" {
		t.Errorf("Path = %s", got)
	}

	t.Setenv(EnvUserDir, "")
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	if got := UserLocation().Path; got != filepath.Join("/xdg/data", "capsule") {
		t.Errorf("Path = %s", got)
	}
}

func TestSystemLocationDefaults(t *testing.T) {
	t.Setenv(EnvSystemDir, "")
	location := SystemLocation()
	if location.Path != "/var/lib/capsule" || location.ID != DefaultSystemID || location.User {
		t.Errorf("SystemLocation = %+v", location)
	}
}

func writeInstallationsConf(t *testing.T, configDir, name, content string) {
	t.Helper()
	dir := filepath.Join(configDir, installationsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestDiscoverPriorityOrder(t *testing.T) {
	t.Setenv(EnvUserDir, "/u")
	t.Setenv(EnvSystemDir, "/s")
	configDir := t.TempDir()
	writeInstallationsConf(t, configDir, "extra.conf", `[Installation "sdcard"]
Path=/media/sd
DisplayName=SD card
StorageType=sd-card
Priority=10

[Installation "backup"]
Path=/backup
`)

	locations, err := Discover(configDir)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	var ids []string
	for _, location := range locations {
		ids = append(ids, location.ID)
	}
	// sdcard has the highest priority; user beats the zero-priority
	// system entries on the tie.
	want := []string{"sdcard", "user", "default", "backup"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}

	sd, err := Find(locations, "sdcard")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if sd.StorageType != StorageSDCard || sd.DisplayName != "SD card" || sd.Priority != 10 {
		t.Errorf("sdcard = %+v", sd)
	}
	if _, err := Find(locations, "nope"); !errcode.Is(err, errcode.InvalidArgs) {
		t.Errorf("Find unknown: %v", err)
	}
}

func TestDiscoverRejectsBadConf(t *testing.T) {
	t.Setenv(EnvUserDir, "/u")
	t.Setenv(EnvSystemDir, "/s")

	for name, content := range map[string]string{
		"no-path.conf":  "[Installation \"x\"]\nDisplayName=x\n",
		"reserved.conf": "[Installation \"user\"]\nPath=/p\n",
		"storage.conf":  "[Installation \"x\"]\nPath=/p\nStorageType=floppy\n",
	} {
		configDir := t.TempDir()
		writeInstallationsConf(t, configDir, name, content)
		if _, err := Discover(configDir); err == nil {
			t.Errorf("%s: Discover accepted bad config", name)
		}
	}
}

func TestOpenWiresComponents(t *testing.T) {
	location := Location{ID: "test", Path: t.TempDir(), User: true}
	handle, err := Open(location, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if handle.Store == nil || handle.Registry == nil || handle.Deploy == nil || handle.Aliases == nil {
		t.Fatalf("handle incomplete: %+v", handle)
	}
	if _, err := os.Stat(filepath.Join(location.Path, "repo", "objects")); err != nil {
		t.Errorf("repo not initialised: %v", err)
	}

	// The repo config written by Init parses as a keyfile.
	config, err := keyfile.Load(handle.Store.ConfigPath())
	if err != nil {
		t.Fatalf("loading repo config: %v", err)
	}
	if config.Int("core", "repo_version", 0) != 1 {
		t.Errorf("repo_version = %d", config.Int("core", "repo_version", 0))
	}
}

func TestAliasRoundTrip(t *testing.T) {
	location := Location{ID: "test", Path: t.TempDir(), User: true}
	handle, err := Open(location, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	aliases := handle.Aliases

	before, err := aliases.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	target := AliasTarget{ID: "org.example.X", Arch: "x86_64", Branch: "stable"}
	if err := aliases.Make("x", target); err != nil {
		t.Fatalf("Make failed: %v", err)
	}
	resolved, err := aliases.Resolve("x")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved != target {
		t.Errorf("Resolve = %+v, want %+v", resolved, target)
	}
	if err := aliases.Remove("x"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// make; resolve; remove leaves the table as it was.
	after, err := aliases.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("alias table changed by round trip: %v vs %v", before, after)
	}

	if _, err := aliases.Resolve("x"); !errcode.Is(err, errcode.AliasNotFound) {
		t.Errorf("Resolve after remove: %v", err)
	}
	if err := aliases.Remove("x"); !errcode.Is(err, errcode.AliasNotFound) {
		t.Errorf("double remove: %v", err)
	}
}

func TestAliasValidation(t *testing.T) {
	aliases := newAliasTable(filepath.Join(t.TempDir(), "aliases"))
	target := AliasTarget{ID: "org.example.X", Arch: "x86_64", Branch: "stable"}
	if err := aliases.Make("has space", target); !errcode.Is(err, errcode.InvalidName) {
		t.Errorf("Make with space: %v", err)
	}
	if err := aliases.Make("x", AliasTarget{ID: "not an id", Arch: "x86_64", Branch: "stable"}); err == nil {
		t.Errorf("Make with invalid target id accepted")
	}
}

func TestAliasFindForID(t *testing.T) {
	aliases := newAliasTable(filepath.Join(t.TempDir(), "aliases"))
	x := AliasTarget{ID: "org.example.X", Arch: "x86_64", Branch: "stable"}
	y := AliasTarget{ID: "org.example.Y", Arch: "x86_64", Branch: "stable"}
	for alias, target := range map[string]AliasTarget{"x1": x, "x2": x, "y": y} {
		if err := aliases.Make(alias, target); err != nil {
			t.Fatalf("Make failed: %v", err)
		}
	}
	names, err := aliases.FindForID("org.example.X")
	if err != nil {
		t.Fatalf("FindForID failed: %v", err)
	}
	if len(names) != 2 || names[0] != "x1" || names[1] != "x2" {
		t.Errorf("FindForID = %v", names)
	}
}

func TestWriteLocationRoundTrip(t *testing.T) {
	configDir := t.TempDir()
	err := WriteLocation(configDir, Location{
		ID:          "extra",
		Path:        "/mnt/capsule",
		DisplayName: "Extra drive",
		StorageType: StorageSDCard,
		Priority:    7,
	})
	if err != nil {
		t.Fatalf("WriteLocation failed: %v", err)
	}

	locations, err := Discover(configDir)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	found, err := Find(locations, "extra")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if found.Path != "/mnt/capsule" || found.DisplayName != "Extra drive" ||
		found.StorageType != StorageSDCard || found.Priority != 7 {
		t.Errorf("round trip = %+v", found)
	}
}

func TestWriteLocationRejections(t *testing.T) {
	configDir := t.TempDir()
	if err := WriteLocation(configDir, Location{ID: UserID, Path: "/x"}); !errcode.Is(err, errcode.InvalidArgs) {
		t.Errorf("reserved id: %v", err)
	}
	if err := WriteLocation(configDir, Location{ID: "extra"}); !errcode.Is(err, errcode.InvalidArgs) {
		t.Errorf("empty path: %v", err)
	}
	if err := WriteLocation(configDir, Location{ID: "extra", Path: "/x"}); err != nil {
		t.Fatalf("WriteLocation failed: %v", err)
	}
	if err := WriteLocation(configDir, Location{ID: "extra", Path: "/y"}); !errcode.Is(err, errcode.InvalidArgs) {
		t.Errorf("duplicate id: %v", err)
	}
}
