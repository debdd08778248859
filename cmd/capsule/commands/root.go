// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the capsule command tree: remotes,
// transactions, app management, sandbox launches, and installation
// maintenance.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/capsule-apps/capsule/cmd/capsule/cli"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/installation"
)

// global carries the flags every command shares: installation
// selection, verbosity, and prompt behaviour.
type global struct {
	user           bool
	system         bool
	installationID string
	verbose        bool
	assumeYes      bool
	nonInteractive bool
}

// addSelectorFlags registers the installation selection flags.
func (g *global) addSelectorFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&g.user, "user", false, "operate on the per-user installation")
	fs.BoolVar(&g.system, "system", false, "operate on the system installation")
	fs.StringVar(&g.installationID, "installation", "", "operate on the named installation")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
}

// addPromptFlags registers the flags that suppress interaction.
func (g *global) addPromptFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&g.assumeYes, "assumeyes", "y", false, "answer yes to all questions")
	fs.BoolVar(&g.nonInteractive, "noninteractive", false, "never prompt; take safe defaults")
}

// logger builds the process logger. Debug level with --verbose,
// warnings and up otherwise so command output stays clean.
func (g *global) logger() *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// location resolves the selected installation location. With no
// selector the per-user installation is used.
func (g *global) location() (installation.Location, error) {
	selected := 0
	for _, flag := range []bool{g.user, g.system, g.installationID != ""} {
		if flag {
			selected++
		}
	}
	if selected > 1 {
		return installation.Location{}, errcode.New(errcode.InvalidArgs,
			"--user, --system, and --installation are mutually exclusive")
	}

	switch {
	case g.system:
		return installation.SystemLocation(), nil
	case g.installationID != "":
		locations, err := installation.Discover(installation.ConfigDir())
		if err != nil {
			return installation.Location{}, err
		}
		return installation.Find(locations, g.installationID)
	default:
		return installation.UserLocation(), nil
	}
}

// open opens the selected installation.
func (g *global) open() (*installation.Installation, error) {
	location, err := g.location()
	if err != nil {
		return nil, err
	}
	return installation.Open(location, installation.Options{Logger: g.logger()})
}

// Root assembles the capsule command tree.
func Root(version string) *cli.Command {
	root := &cli.Command{
		Name:    "capsule",
		Summary: "Install and run sandboxed desktop applications",
		Description: "Capsule installs applications and runtimes from remote registries\n" +
			"into content-addressed local installations and runs them inside\n" +
			"bubblewrap sandboxes.",
		Subcommands: []*cli.Command{
			newInstallCommand(),
			newUpdateCommand(),
			newUninstallCommand(),
			newListCommand(),
			newInfoCommand(),
			newRunCommand(),
			newPsCommand(),
			newKillCommand(),
			newOverrideCommand(),
			newMakeCurrentCommand(),
			newRemoteAddCommand(),
			newRemoteModifyCommand(),
			newRemoteDeleteCommand(),
			newRemotesCommand(),
			newRemoteLsCommand(),
			newSearchCommand(),
			newAliasCommand(),
			newPinCommand(),
			newPermissionResetCommand(),
			newInstallationsCommand(),
			newBuildImportCommand(),
			newRepoCommand(),
			newVersionCommand(version),
		},
	}
	return root
}

func newVersionCommand(version string) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print the capsule version",
		Run: func(args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
