// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/capsule-apps/capsule/lib/deploy"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/installation"
	"github.com/capsule-apps/capsule/lib/keyfile"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/store"
)

// killGrace is how long a cancelled launch waits after SIGTERM before
// sending SIGKILL.
const killGrace = 5 * time.Second

// LaunchOptions configures one app launch.
type LaunchOptions struct {
	// Arch and Branch narrow which deployment runs; empty values use
	// the default arch and the app's current branch.
	Arch   string
	Branch string

	// Commit runs a specific deployed commit instead of the active
	// one.
	Commit string

	// AppPath substitutes a host directory for the app deployment,
	// for testing unpublished builds. Incompatible with Commit.
	AppPath string

	// Devel launches with the devel profile.
	Devel bool

	// Command overrides the command declared in the app metadata.
	Command string
	Args    []string

	// Overrides is the command-line permission context, merged on top
	// of metadata and installation overrides.
	Overrides *Context

	// ProfileDir holds extra profile YAML files layered over the
	// built-in profiles.
	ProfileDir string

	Logger *slog.Logger
}

// Launcher runs deployed apps inside bubblewrap.
type Launcher struct {
	inst   *installation.Installation
	bwrap  string
	logger *slog.Logger

	// Proxy, when set, is handed the recorded bus policies before the
	// sandbox starts.
	Proxy BusProxy
}

// BusProxy starts D-Bus filter proxies for a sandbox from the merged
// per-name policies. The launcher always records the policies in the
// instance dir; a proxy implementation turns them into processes.
type BusProxy interface {
	Start(instanceDir string, session, system map[string]BusPolicy) error
}

// NewLauncher creates a launcher for an installation. bwrapPath may be
// empty to use "bwrap" from PATH.
func NewLauncher(inst *installation.Installation, bwrapPath string, logger *slog.Logger) *Launcher {
	if bwrapPath == "" {
		bwrapPath = "bwrap"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{inst: inst, bwrap: bwrapPath, logger: logger}
}

// Launch runs an app and blocks until it exits, returning the exit
// code. Cancelling ctx terminates the sandbox: SIGTERM first, SIGKILL
// after a grace period.
func (l *Launcher) Launch(ctx context.Context, appID string, opts LaunchOptions) (int, error) {
	if opts.AppPath != "" && opts.Commit != "" {
		return 0, errcode.New(errcode.InvalidArgs, "cannot combine a local app path with a pinned commit")
	}

	appRef, err := l.resolveAppRef(appID, opts)
	if err != nil {
		return 0, err
	}

	var (
		appDir  string
		appData *deploy.Data
		appLock *os.File
	)
	if opts.AppPath != "" {
		appDir = opts.AppPath
	} else {
		var commit store.Checksum
		if opts.Commit != "" {
			if commit, err = store.ParseChecksum(opts.Commit); err != nil {
				return 0, errcode.Wrap(errcode.InvalidArgs, err, "bad commit")
			}
		}
		appData, appDir, err = l.inst.Deploy.LoadDeployed(appRef, commit)
		if err != nil {
			return 0, err
		}
		appLock, err = deploy.AcquireInstanceLock(filepath.Join(appDir, ".ref"))
		if err != nil {
			return 0, err
		}
		defer appLock.Close()
	}

	metaFile, err := keyfile.Load(filepath.Join(appDir, "metadata"))
	if err != nil {
		return 0, errcode.Wrap(errcode.NotDeployed, err, "reading app metadata")
	}
	command := metaFile.String("Application", "command")
	if opts.Command != "" {
		command = opts.Command
	}
	if command == "" {
		command = appID
	}

	runtimeDir, runtimeCommit, runtimeRef, err := l.resolveRuntime(metaFile, appData)
	if err != nil {
		return 0, err
	}
	runtimeLock, err := deploy.AcquireInstanceLock(filepath.Join(runtimeDir, ".ref"))
	if err != nil {
		return 0, err
	}
	defer runtimeLock.Close()

	sandboxContext, err := l.mergeContexts(metaFile, appID, opts.Overrides)
	if err != nil {
		return 0, err
	}

	profile, err := l.loadProfile(opts, sandboxContext)
	if err != nil {
		return 0, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return 0, err
	}
	appDataDir := filepath.Join(home, ".var", "app", appID)
	for _, sub := range []string{"data", "config", "cache"} {
		if err := os.MkdirAll(filepath.Join(appDataDir, sub), 0o755); err != nil {
			return 0, err
		}
	}

	var appCommit string
	if appData != nil {
		appCommit = appData.Commit.String()
	}
	instanceInfo := Instance{
		App:           appID,
		Arch:          appRef.Arch(),
		Branch:        appRef.Branch(),
		Commit:        appCommit,
		Runtime:       runtimeRef,
		RuntimeCommit: runtimeCommit,
	}
	instance, instanceLock, err := NewInstance(instanceInfo)
	if err != nil {
		return 0, err
	}
	defer instanceLock.Close()
	defer instance.Remove()

	if err := writeBusPolicy(instance.Dir, sandboxContext); err != nil {
		return 0, err
	}
	if l.Proxy != nil {
		if err := l.Proxy.Start(instance.Dir, sandboxContext.SessionBus, sandboxContext.SystemBus); err != nil {
			return 0, errcode.Wrap(errcode.SandboxFailed, err, "starting bus proxy")
		}
	}

	sandboxRuntimeDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	spec := &SandboxSpec{
		AppID:         appID,
		AppPath:       appDir,
		RuntimePath:   runtimeDir,
		Profile:       profile,
		Context:       sandboxContext,
		InstanceDir:   instance.Dir,
		HomeDir:       home,
		RuntimeDirEnv: sandboxRuntimeDir,
	}
	args, err := BuildArgs(spec, append([]string{command}, opts.Args...))
	if err != nil {
		return 0, err
	}
	args = appDataBinds(args, appDataDir)

	return l.run(ctx, instance, args)
}

// appDataBinds splices the per-app data directory mounts and env in
// front of the terminating "--". The app state dir is the only
// writable host path every app gets.
func appDataBinds(args []string, appDataDir string) []string {
	extra := []string{
		"--bind", appDataDir, appDataDir,
		"--setenv", "XDG_DATA_HOME", filepath.Join(appDataDir, "data"),
		"--setenv", "XDG_CONFIG_HOME", filepath.Join(appDataDir, "config"),
		"--setenv", "XDG_CACHE_HOME", filepath.Join(appDataDir, "cache"),
	}
	for i, arg := range args {
		if arg == "--" {
			return append(args[:i:i], append(extra, args[i:]...)...)
		}
	}
	return append(args, extra...)
}

// resolveAppRef picks the deployment ref: explicit arch/branch, or the
// app's current branch.
func (l *Launcher) resolveAppRef(appID string, opts LaunchOptions) (ref.Ref, error) {
	arch := opts.Arch
	branch := opts.Branch
	if branch == "" {
		currentArch, currentBranch, err := l.inst.Deploy.CurrentBranch(appID)
		if err != nil {
			return ref.Ref{}, errcode.Wrap(errcode.NotInstalled, err, "app %s is not installed", appID)
		}
		branch = currentBranch
		if arch == "" {
			arch = currentArch
		}
	}
	if arch == "" {
		arch = ref.DefaultArch()
	}
	return ref.New(ref.KindApp, appID, arch, branch)
}

// resolveRuntime locates the deployed runtime the app declares.
func (l *Launcher) resolveRuntime(metaFile *keyfile.File, appData *deploy.Data) (dir, commit, runtimeRef string, err error) {
	triple := metaFile.String("Application", "runtime")
	if triple == "" && appData != nil {
		triple = appData.RuntimeRef
	}
	if triple == "" {
		return "", "", "", errcode.New(errcode.RuntimeMissing, "app metadata declares no runtime")
	}
	parts := strings.Split(triple, "/")
	if len(parts) != 3 {
		return "", "", "", errcode.New(errcode.InvalidRef, "bad runtime %q in app metadata", triple)
	}
	r, err := ref.New(ref.KindRuntime, parts[0], parts[1], parts[2])
	if err != nil {
		return "", "", "", err
	}
	data, deployDir, err := l.inst.Deploy.LoadDeployed(r, store.Checksum{})
	if err != nil {
		return "", "", "", errcode.Wrap(errcode.RuntimeMissing, err, "runtime %s is not installed", r)
	}
	return deployDir, data.Commit.String(), triple, nil
}

// mergeContexts layers the permission context: app metadata, then the
// installation's overrides, then the command line.
func (l *Launcher) mergeContexts(metaFile *keyfile.File, appID string, cli *Context) (*Context, error) {
	merged, err := ParseContext(metaFile)
	if err != nil {
		return nil, err
	}
	overrides, err := LoadOverrides(l.inst.Location.Path, appID)
	if err != nil {
		return nil, err
	}
	merged.Merge(overrides)
	if cli != nil {
		merged.Merge(cli)
	}
	return merged, nil
}

func (l *Launcher) loadProfile(opts LaunchOptions, context *Context) (*Profile, error) {
	loader, err := NewProfileLoader()
	if err != nil {
		return nil, err
	}
	if opts.ProfileDir != "" {
		if err := loader.LoadDirectory(opts.ProfileDir); err != nil {
			return nil, err
		}
	}
	name := "app"
	if opts.Devel || allowed(context.Features, "devel") {
		name = "devel"
	}
	return loader.Resolve(name)
}

// run starts bwrap and supervises it: host SIGTERM/SIGINT forward to
// the sandbox, ctx cancellation escalates SIGTERM to SIGKILL.
func (l *Launcher) run(ctx context.Context, instance *Instance, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, l.bwrap, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = killGrace

	if err := cmd.Start(); err != nil {
		return 0, errcode.Wrap(errcode.SandboxFailed, err, "starting bwrap")
	}
	if err := instance.WritePID(os.Getpid()); err != nil {
		l.logger.Warn("recording instance pid failed", "error", err)
	}
	if err := instance.WriteChildPID(cmd.Process.Pid); err != nil {
		l.logger.Warn("recording sandbox pid failed", "error", err)
	}
	l.logger.Info("sandbox started", "app", instance.App, "instance", instance.ID, "pid", cmd.Process.Pid)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(signals)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(done)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, errcode.Wrap(errcode.SandboxFailed, err, "running bwrap")
}
