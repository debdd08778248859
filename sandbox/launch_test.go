// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"testing"

	"github.com/capsule-apps/capsule/lib/errcode"
)

func TestLaunchRejectsPathWithCommit(t *testing.T) {
	l := NewLauncher(nil, "", nil)
	_, err := l.Launch(context.Background(), "org.example.App", LaunchOptions{
		AppPath: "/tmp/build",
		Commit:  "0000000000000000000000000000000000000000000000000000000000000000",
	})
	if !errcode.Is(err, errcode.InvalidArgs) {
		t.Errorf("Launch with path and commit: %v", err)
	}
}

func TestAppDataBinds(t *testing.T) {
	args := []string{"--unshare-pid", "--clearenv", "--", "run"}
	spliced := appDataBinds(args, "/home/t/.var/app/org.example.App")

	// The extra mounts land before the terminator, the command after.
	var sep int = -1
	for i, arg := range spliced {
		if arg == "--" {
			sep = i
			break
		}
	}
	if sep == -1 || spliced[len(spliced)-1] != "run" {
		t.Fatalf("spliced = %v", spliced)
	}
	if !containsRun(spliced[:sep], []string{"--bind", "/home/t/.var/app/org.example.App", "/home/t/.var/app/org.example.App"}) {
		t.Errorf("app data dir not bound: %v", spliced)
	}
	if !containsRun(spliced[:sep], []string{"--setenv", "XDG_DATA_HOME", "/home/t/.var/app/org.example.App/data"}) {
		t.Errorf("XDG_DATA_HOME not set: %v", spliced)
	}
}
