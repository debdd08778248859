// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/capsule-apps/capsule/cmd/capsule/cli"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/permissions"
	"github.com/capsule-apps/capsule/sandbox"
)

// contextFlags collects the permission override flags shared by run
// and override.
type contextFlags struct {
	shares      []string
	unshares    []string
	sockets     []string
	nosockets   []string
	devices     []string
	nodevices   []string
	filesystems []string
	nofs        []string
	env         []string
	unsetEnv    []string
	talkNames   []string
	ownNames    []string
}

func (c *contextFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVar(&c.shares, "share", nil, "share a subsystem (network, ipc)")
	fs.StringArrayVar(&c.unshares, "unshare", nil, "unshare a subsystem")
	fs.StringArrayVar(&c.sockets, "socket", nil, "expose a socket (x11, wayland, pulseaudio, ...)")
	fs.StringArrayVar(&c.nosockets, "nosocket", nil, "hide a socket")
	fs.StringArrayVar(&c.devices, "device", nil, "expose a device (dri, kvm, shm, all)")
	fs.StringArrayVar(&c.nodevices, "nodevice", nil, "hide a device")
	fs.StringArrayVar(&c.filesystems, "filesystem", nil, "grant filesystem access (host, home, PATH[:ro])")
	fs.StringArrayVar(&c.nofs, "nofilesystem", nil, "revoke filesystem access")
	fs.StringArrayVar(&c.env, "env", nil, "set an environment variable (VAR=VALUE)")
	fs.StringArrayVar(&c.unsetEnv, "unset-env", nil, "unset an environment variable")
	fs.StringArrayVar(&c.talkNames, "talk-name", nil, "allow talking to a session bus name")
	fs.StringArrayVar(&c.ownNames, "own-name", nil, "allow owning a session bus name")
}

// build turns the raw flag values into a permission context.
func (c *contextFlags) build() (*sandbox.Context, error) {
	result := sandbox.NewContext()

	grant := func(set map[string]bool, names []string, granted bool, what string) error {
		for _, name := range names {
			if err := sandbox.ValidateToken(what, name); err != nil {
				return err
			}
			set[name] = granted
		}
		return nil
	}
	if err := grant(result.Shares, c.shares, true, "shared"); err != nil {
		return nil, err
	}
	if err := grant(result.Shares, c.unshares, false, "shared"); err != nil {
		return nil, err
	}
	if err := grant(result.Sockets, c.sockets, true, "sockets"); err != nil {
		return nil, err
	}
	if err := grant(result.Sockets, c.nosockets, false, "sockets"); err != nil {
		return nil, err
	}
	if err := grant(result.Devices, c.devices, true, "devices"); err != nil {
		return nil, err
	}
	if err := grant(result.Devices, c.nodevices, false, "devices"); err != nil {
		return nil, err
	}

	for _, token := range c.filesystems {
		path, mode, err := sandbox.ParseFilesystemToken(token)
		if err != nil {
			return nil, err
		}
		result.Filesystems[path] = mode
	}
	for _, token := range c.nofs {
		path, _, err := sandbox.ParseFilesystemToken(token)
		if err != nil {
			return nil, err
		}
		result.Filesystems[path] = sandbox.FilesystemHidden
	}

	for _, pair := range c.env {
		key, value, ok := cutEnv(pair)
		if !ok {
			return nil, errcode.New(errcode.InvalidArgs, "--env needs VAR=VALUE, got %q", pair)
		}
		result.Env[key] = value
	}
	for _, key := range c.unsetEnv {
		result.UnsetEnv[key] = true
	}
	for _, name := range c.talkNames {
		result.SessionBus[name] = sandbox.BusTalk
	}
	for _, name := range c.ownNames {
		result.SessionBus[name] = sandbox.BusOwn
	}
	return result, nil
}

func cutEnv(pair string) (key, value string, ok bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], i > 0
		}
	}
	return "", "", false
}

func newRunCommand() *cli.Command {
	g := &global{}
	ctxFlags := &contextFlags{}
	var (
		branch  string
		arch    string
		commit  string
		appPath string
		command string
		devel   bool
	)
	return &cli.Command{
		Name:    "run",
		Summary: "Run an installed application in its sandbox",
		Usage:   "capsule run APP [ARG...]",
		Examples: []cli.Example{
			{Description: "Run an app", Command: "capsule run org.gnome.Calculator"},
			{Description: "Run with extra filesystem access", Command: "capsule run --filesystem=~/Work org.example.Editor"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
			fs.SetInterspersed(false)
			g.addSelectorFlags(fs)
			ctxFlags.register(fs)
			fs.StringVar(&branch, "branch", "", "run this branch instead of the current one")
			fs.StringVar(&arch, "arch", "", "run this architecture")
			fs.StringVar(&commit, "commit", "", "run a specific deployed commit")
			fs.StringVar(&appPath, "app-path", "", "use a local directory instead of the deployment")
			fs.StringVar(&command, "command", "", "run this command instead of the declared one")
			fs.BoolVar(&devel, "devel", false, "use the development sandbox profile")
			return fs
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return errcode.New(errcode.InvalidArgs, "run needs an application id")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			overrides, err := ctxFlags.build()
			if err != nil {
				return err
			}

			launcher := sandbox.NewLauncher(inst, "", g.logger())
			code, err := launcher.Launch(context.Background(), args[0], sandbox.LaunchOptions{
				Branch:    branch,
				Arch:      arch,
				Commit:    commit,
				AppPath:   appPath,
				Command:   command,
				Devel:     devel,
				Args:      args[1:],
				Overrides: overrides,
				Logger:    g.logger(),
			})
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}

func newPsCommand() *cli.Command {
	return &cli.Command{
		Name:    "ps",
		Summary: "List running sandbox instances",
		Run: func(args []string) error {
			instances, err := sandbox.ListInstances()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			defer tw.Flush()
			fmt.Fprintf(tw, "Instance\tPID\tApplication\tArch\tBranch\tRuntime\n")
			for _, instance := range instances {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
					instance.ID, instance.PID, instance.App, instance.Arch, instance.Branch, instance.Runtime)
			}
			return nil
		},
	}
}

func newKillCommand() *cli.Command {
	return &cli.Command{
		Name:    "kill",
		Summary: "Stop a running sandbox instance",
		Usage:   "capsule kill INSTANCE|APP",
		Run: func(args []string) error {
			if len(args) != 1 {
				return errcode.New(errcode.InvalidArgs, "kill needs an instance id or application id")
			}
			instance, err := sandbox.FindInstance(args[0])
			if err != nil {
				return err
			}
			if instance == nil {
				return errcode.New(errcode.NotInstalled, "no running instance matches %q", args[0])
			}
			return instance.Kill(unix.SIGKILL)
		},
	}
}

func newOverrideCommand() *cli.Command {
	g := &global{}
	ctxFlags := &contextFlags{}
	var (
		reset bool
		show  bool
	)
	return &cli.Command{
		Name:    "override",
		Summary: "Change an app's permissions persistently",
		Usage:   "capsule override [APP] [flags]",
		Description: "Without an app id the override applies globally to every app in\n" +
			"the installation. Grants and revocations stack on top of the app's\n" +
			"own permissions at launch time.",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("override", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			ctxFlags.register(fs)
			fs.BoolVar(&reset, "reset", false, "remove all overrides for the app")
			fs.BoolVar(&show, "show", false, "print the current overrides")
			return fs
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return errcode.New(errcode.InvalidArgs, "override takes at most one app id")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			name := sandbox.GlobalOverrideName
			if len(args) == 1 {
				name = args[0]
			}

			if show {
				return sandbox.PrintOverride(os.Stdout, inst.Location.Path, name)
			}
			if reset {
				return sandbox.SaveOverride(inst.Location.Path, name, sandbox.NewContext())
			}

			changes, err := ctxFlags.build()
			if err != nil {
				return err
			}
			current, err := sandbox.LoadOverride(inst.Location.Path, name)
			if err != nil {
				return err
			}
			current.Merge(changes)
			return sandbox.SaveOverride(inst.Location.Path, name, current)
		},
	}
}

func newPermissionResetCommand() *cli.Command {
	g := &global{}
	var tables []string
	return &cli.Command{
		Name:    "permission-reset",
		Summary: "Drop an app's dynamic permission grants",
		Usage:   "capsule permission-reset APP",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("permission-reset", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.StringArrayVar(&tables, "table", nil, "only reset these permission tables")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return errcode.New(errcode.InvalidArgs, "permission-reset needs an application id")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			db := permissions.New(inst.PermissionDBDir())
			return db.ResetApp(args[0], tables)
		},
	}
}
