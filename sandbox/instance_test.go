// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/capsule-apps/capsule/lib/keyfile"
)

func TestInstanceLifecycle(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	info, lock, err := NewInstance(Instance{
		App:           "org.example.App",
		Arch:          "x86_64",
		Branch:        "stable",
		Commit:        "abc",
		Runtime:       "org.example.Platform/x86_64/stable",
		RuntimeCommit: "def",
	})
	if err != nil {
		t.Fatalf("NewInstance failed: %v", err)
	}
	if err := info.WritePID(os.Getpid()); err != nil {
		t.Fatalf("WritePID failed: %v", err)
	}
	if err := info.WriteChildPID(os.Getpid()); err != nil {
		t.Fatalf("WriteChildPID failed: %v", err)
	}

	instances, err := ListInstances()
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("ListInstances = %d instances", len(instances))
	}
	got := instances[0]
	if got.App != "org.example.App" || got.Branch != "stable" || got.Runtime != "org.example.Platform/x86_64/stable" {
		t.Errorf("instance = %+v", got)
	}
	if got.PID != os.Getpid() || !got.Running {
		t.Errorf("pid/running = %d %v", got.PID, got.Running)
	}
	if got.ChildPID != os.Getpid() {
		t.Errorf("child pid = %d", got.ChildPID)
	}

	found, err := FindInstance("org.example.App")
	if err != nil || found == nil || found.ID != info.ID {
		t.Errorf("FindInstance by app = %v, %v", found, err)
	}
	found, err = FindInstance(info.ID)
	if err != nil || found == nil {
		t.Errorf("FindInstance by id = %v, %v", found, err)
	}

	// Releasing the lock marks the instance stale; listing collects it.
	lock.Close()
	instances, err = ListInstances()
	if err != nil {
		t.Fatalf("ListInstances after release failed: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("stale instance survived: %v", instances)
	}
	if _, err := os.Stat(info.Dir); !os.IsNotExist(err) {
		t.Errorf("stale instance dir not removed: %v", err)
	}
}

func TestInstanceIDsUnique(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		info, lock, err := NewInstance(Instance{App: "org.example.App", Arch: "x86_64", Branch: "stable"})
		if err != nil {
			t.Fatalf("NewInstance failed: %v", err)
		}
		defer lock.Close()
		if seen[info.ID] {
			t.Fatalf("duplicate instance id %s", info.ID)
		}
		seen[info.ID] = true
	}

	instances, err := ListInstances()
	if err != nil || len(instances) != 5 {
		t.Fatalf("ListInstances = %d, %v", len(instances), err)
	}
}

func TestListInstancesEmpty(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	instances, err := ListInstances()
	if err != nil || instances != nil {
		t.Errorf("ListInstances on empty runtime dir = %v, %v", instances, err)
	}
}

func TestWriteBusPolicy(t *testing.T) {
	dir := t.TempDir()
	context := NewContext()
	if err := writeBusPolicy(dir, context); err != nil {
		t.Fatalf("writeBusPolicy failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, instanceBusPolicyFile)); !os.IsNotExist(err) {
		t.Errorf("empty policy wrote a file: %v", err)
	}

	context.SessionBus["org.freedesktop.Notifications"] = BusTalk
	context.SystemBus["org.freedesktop.UPower"] = BusSee
	if err := writeBusPolicy(dir, context); err != nil {
		t.Fatalf("writeBusPolicy failed: %v", err)
	}
	file, err := keyfile.Load(filepath.Join(dir, instanceBusPolicyFile))
	if err != nil {
		t.Fatalf("loading policy file failed: %v", err)
	}
	if got := file.String(groupSessionBusPolicy, "org.freedesktop.Notifications"); got != "talk" {
		t.Errorf("session policy = %q", got)
	}
	if got := file.String(groupSystemBusPolicy, "org.freedesktop.UPower"); got != "see" {
		t.Errorf("system policy = %q", got)
	}
}
