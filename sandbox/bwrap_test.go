// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"path/filepath"
	"testing"
)

func containsRun(args, want []string) bool {
	for i := 0; i+len(want) <= len(args); i++ {
		match := true
		for j := range want {
			if args[i+j] != want[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func containsArg(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}

func testSpec(t *testing.T) *SandboxSpec {
	t.Helper()
	loader, err := NewProfileLoader()
	if err != nil {
		t.Fatal(err)
	}
	profile, err := loader.Resolve("app")
	if err != nil {
		t.Fatal(err)
	}
	return &SandboxSpec{
		AppID:         "org.example.App",
		AppPath:       "/installs/app/deploy",
		RuntimePath:   "/installs/runtime/deploy",
		Profile:       profile,
		Context:       NewContext(),
		HomeDir:       "/home/tester",
		RuntimeDirEnv: "/run/user/1000",
	}
}

func TestBuildArgsComposition(t *testing.T) {
	spec := testSpec(t)
	args, err := BuildArgs(spec, []string{"/app/bin/run", "--flag"})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}

	if !containsRun(args, []string{"--ro-bind", "/installs/runtime/deploy/files", "/usr"}) {
		t.Errorf("runtime not bound at /usr: %v", args)
	}
	if !containsRun(args, []string{"--ro-bind", "/installs/app/deploy/files", "/app"}) {
		t.Errorf("app not bound at /app: %v", args)
	}
	if !containsRun(args, []string{"--proc", "/proc"}) || !containsRun(args, []string{"--dev", "/dev"}) {
		t.Errorf("missing proc/dev mounts: %v", args)
	}

	// No shares granted: network and ipc stay unshared.
	if !containsArg(args, "--unshare-net") || !containsArg(args, "--unshare-ipc") {
		t.Errorf("namespaces not unshared: %v", args)
	}

	// The command follows the terminator.
	last := args[len(args)-3:]
	if last[0] != "--" || last[1] != "/app/bin/run" || last[2] != "--flag" {
		t.Errorf("command tail = %v", last)
	}
}

func TestBuildArgsNetworkShare(t *testing.T) {
	spec := testSpec(t)
	spec.Context.Shares["network"] = true
	spec.Context.Shares["ipc"] = true
	args, err := BuildArgs(spec, []string{"run"})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if containsArg(args, "--unshare-net") {
		t.Errorf("network share still unshared net: %v", args)
	}
	if containsArg(args, "--unshare-ipc") {
		t.Errorf("ipc share still unshared ipc: %v", args)
	}
	if !containsArg(args, "--unshare-pid") {
		t.Errorf("pid namespace lost: %v", args)
	}
}

func TestBuildArgsEnvironment(t *testing.T) {
	spec := testSpec(t)
	spec.Context.Env["ZED"] = "last"
	spec.Context.Env["ALPHA"] = "first"
	spec.Context.UnsetEnv["PATH"] = true
	args, err := BuildArgs(spec, []string{"run"})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}

	if !containsArg(args, "--clearenv") {
		t.Errorf("missing --clearenv: %v", args)
	}
	if containsRun(args, []string{"--setenv", "PATH"}) {
		t.Errorf("unset env PATH still set: %v", args)
	}
	if !containsRun(args, []string{"--setenv", "CAPSULE_ID", "org.example.App"}) {
		t.Errorf("missing CAPSULE_ID: %v", args)
	}
	if !containsRun(args, []string{"--setenv", "HOME", "/home/tester"}) {
		t.Errorf("missing HOME: %v", args)
	}

	// setenv pairs come out sorted by key.
	alpha, zed := -1, -1
	for i, arg := range args {
		if arg == "--setenv" && i+1 < len(args) {
			switch args[i+1] {
			case "ALPHA":
				alpha = i
			case "ZED":
				zed = i
			}
		}
	}
	if alpha == -1 || zed == -1 || alpha > zed {
		t.Errorf("setenv order: ALPHA at %d, ZED at %d", alpha, zed)
	}
}

func TestBuildArgsFilesystems(t *testing.T) {
	spec := testSpec(t)
	spec.Context.Filesystems["/media"] = FilesystemRO
	spec.Context.Filesystems["~/Work"] = FilesystemRW
	spec.Context.Filesystems["/home/tester/.ssh"] = FilesystemHidden
	args, err := BuildArgs(spec, []string{"run"})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if !containsRun(args, []string{"--ro-bind-try", "/media", "/media"}) {
		t.Errorf("missing ro bind for /media: %v", args)
	}
	work := filepath.Join("/home/tester", "Work")
	if !containsRun(args, []string{"--bind-try", work, work}) {
		t.Errorf("missing rw bind for ~/Work: %v", args)
	}
	if !containsRun(args, []string{"--tmpfs", "/home/tester/.ssh"}) {
		t.Errorf("hidden path not masked: %v", args)
	}
}

func TestBuildArgsDevices(t *testing.T) {
	spec := testSpec(t)
	spec.Context.Devices["dri"] = true
	args, err := BuildArgs(spec, []string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if !containsRun(args, []string{"--dev-bind-try", "/dev/dri", "/dev/dri"}) {
		t.Errorf("missing dri bind: %v", args)
	}

	spec = testSpec(t)
	spec.Context.Devices["all"] = true
	args, err = BuildArgs(spec, []string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if !containsRun(args, []string{"--dev-bind", "/dev", "/dev"}) {
		t.Errorf("device all not bound: %v", args)
	}
}

func TestBuildArgsNoAppPath(t *testing.T) {
	spec := testSpec(t)
	spec.AppPath = ""
	args, err := BuildArgs(spec, []string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if !containsRun(args, []string{"--tmpfs", "/app"}) {
		t.Errorf("missing tmpfs /app: %v", args)
	}
}

func TestResolveFilesystemPath(t *testing.T) {
	home := "/home/tester"
	cases := []struct {
		in   string
		want string
		bad  bool
	}{
		{in: "home", want: home},
		{in: "host", want: "/"},
		{in: "~", want: home},
		{in: "~/Documents/x", want: "/home/tester/Documents/x"},
		{in: "/opt", want: "/opt"},
		{in: "bogus", bad: true},
		{in: "xdg-nope", bad: true},
	}
	for _, c := range cases {
		got, err := resolveFilesystemPath(c.in, home)
		if c.bad {
			if err == nil {
				t.Errorf("%q: expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("%q = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}

func TestBuilderMounts(t *testing.T) {
	b := NewBwrapBuilder()
	mounts := []Mount{
		{Dest: "/tmp", Type: MountTypeTmpfs},
		{Source: "/etc/localtime", Dest: "/etc/localtime", Mode: MountModeRO, Optional: true},
		{Source: "/data", Dest: "/data", Mode: MountModeRW},
		{Source: "/dev/snd", Dest: "/dev/snd", Type: MountTypeDevBind, Optional: true},
	}
	for _, m := range mounts {
		if err := b.Mount(m); err != nil {
			t.Fatalf("Mount(%+v) failed: %v", m, err)
		}
	}
	args := b.Build([]string{"run"})
	for _, want := range [][]string{
		{"--tmpfs", "/tmp"},
		{"--ro-bind-try", "/etc/localtime", "/etc/localtime"},
		{"--bind", "/data", "/data"},
		{"--dev-bind-try", "/dev/snd", "/dev/snd"},
	} {
		if !containsRun(args, want) {
			t.Errorf("missing %v in %v", want, args)
		}
	}

	if err := b.Mount(Mount{Dest: "/x", Type: "squashfs"}); err == nil {
		t.Errorf("unknown mount type accepted")
	}
}
