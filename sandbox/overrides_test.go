// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"testing"
)

func TestOverrideLayers(t *testing.T) {
	root := t.TempDir()

	global := NewContext()
	global.Shares["network"] = false
	global.Filesystems["/media"] = FilesystemRO
	if err := SaveOverride(root, globalOverride, global); err != nil {
		t.Fatalf("SaveOverride(global) failed: %v", err)
	}

	app := NewContext()
	app.Shares["network"] = true
	app.Sockets["wayland"] = true
	if err := SaveOverride(root, "org.example.App", app); err != nil {
		t.Fatalf("SaveOverride(app) failed: %v", err)
	}

	merged, err := LoadOverrides(root, "org.example.App")
	if err != nil {
		t.Fatalf("LoadOverrides failed: %v", err)
	}
	if !merged.Shares["network"] {
		t.Errorf("per-app grant did not win over global negation")
	}
	if merged.Filesystems["/media"] != FilesystemRO {
		t.Errorf("global filesystem lost: %v", merged.Filesystems)
	}
	if !merged.Sockets["wayland"] {
		t.Errorf("per-app socket lost: %v", merged.Sockets)
	}

	// Another app only sees the global layer.
	other, err := LoadOverrides(root, "org.example.Other")
	if err != nil {
		t.Fatalf("LoadOverrides failed: %v", err)
	}
	if granted, present := other.Shares["network"]; !present || granted {
		t.Errorf("global negation lost for other app: %v %v", granted, present)
	}
	if len(other.Sockets) != 0 {
		t.Errorf("per-app override leaked: %v", other.Sockets)
	}
}

func TestSaveOverrideEmptyRemoves(t *testing.T) {
	root := t.TempDir()
	context := NewContext()
	context.Devices["dri"] = true
	if err := SaveOverride(root, "org.example.App", context); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(overridePath(root, "org.example.App")); err != nil {
		t.Fatalf("override file missing: %v", err)
	}

	if err := SaveOverride(root, "org.example.App", NewContext()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(overridePath(root, "org.example.App")); !os.IsNotExist(err) {
		t.Errorf("empty override not removed: %v", err)
	}

	// Removing an already absent override is fine.
	if err := SaveOverride(root, "org.example.App", NewContext()); err != nil {
		t.Errorf("removing absent override: %v", err)
	}
}
