// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/capsule-apps/capsule/cmd/capsule/cli"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/installation"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/transaction"
)

func newAliasCommand() *cli.Command {
	g := &global{}
	selectorFlags := func(name string) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			return fs
		}
	}
	return &cli.Command{
		Name:    "alias",
		Summary: "Manage short launcher names for apps",
		Subcommands: []*cli.Command{
			{
				Name:    "add",
				Summary: "Map a short name to an app",
				Usage:   "capsule alias add NAME APP[/ARCH/BRANCH]",
				Flags:   selectorFlags("alias-add"),
				Run: func(args []string) error {
					if len(args) != 2 {
						return errcode.New(errcode.InvalidArgs, "alias add needs NAME and APP")
					}
					inst, err := g.open()
					if err != nil {
						return err
					}
					target, err := aliasTargetFor(inst, args[1])
					if err != nil {
						return err
					}
					return inst.Aliases.Make(args[0], target)
				},
			},
			{
				Name:    "remove",
				Summary: "Remove a short name",
				Usage:   "capsule alias remove NAME",
				Flags:   selectorFlags("alias-remove"),
				Run: func(args []string) error {
					if len(args) != 1 {
						return errcode.New(errcode.InvalidArgs, "alias remove needs NAME")
					}
					inst, err := g.open()
					if err != nil {
						return err
					}
					return inst.Aliases.Remove(args[0])
				},
			},
			{
				Name:    "list",
				Summary: "List configured aliases",
				Flags:   selectorFlags("alias-list"),
				Run: func(args []string) error {
					inst, err := g.open()
					if err != nil {
						return err
					}
					aliases, err := inst.Aliases.List()
					if err != nil {
						return err
					}
					names := make([]string, 0, len(aliases))
					for name := range aliases {
						names = append(names, name)
					}
					sort.Strings(names)
					tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
					defer tw.Flush()
					for _, name := range names {
						fmt.Fprintf(tw, "%s\t%s\n", name, aliases[name].String())
					}
					return nil
				},
			},
		},
	}
}

// aliasTargetFor builds the alias target from an app id or full ref,
// defaulting arch and branch from the current deployment.
func aliasTargetFor(inst *installation.Installation, target string) (installation.AliasTarget, error) {
	if parsed, err := ref.Parse(target); err == nil {
		if !parsed.IsApp() {
			return installation.AliasTarget{}, errcode.New(errcode.InvalidArgs, "aliases only point at apps")
		}
		return installation.AliasTarget{ID: parsed.ID(), Arch: parsed.Arch(), Branch: parsed.Branch()}, nil
	}
	arch, branch, err := inst.Deploy.CurrentBranch(target)
	if err != nil {
		return installation.AliasTarget{}, errcode.Wrap(errcode.NotInstalled, err, "%s is not installed", target)
	}
	return installation.AliasTarget{ID: target, Arch: arch, Branch: branch}, nil
}

func newPinCommand() *cli.Command {
	g := &global{}
	var remove bool
	return &cli.Command{
		Name:    "pin",
		Summary: "Pin runtimes against automatic removal",
		Usage:   "capsule pin [REF]",
		Description: "Without arguments, lists pinned refs. Pinned refs are never\n" +
			"removed by dependency pruning when the apps using them go away.",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("pin", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.BoolVar(&remove, "remove", false, "unpin instead of pin")
			return fs
		},
		Run: func(args []string) error {
			inst, err := g.open()
			if err != nil {
				return err
			}
			pins := transaction.NewPins(inst.Location.Path)

			if len(args) == 0 {
				pinned, err := pins.List()
				if err != nil {
					return err
				}
				for _, r := range pinned {
					fmt.Println(r)
				}
				return nil
			}

			target, err := ref.Parse(args[0])
			if err != nil {
				return err
			}
			if remove {
				return pins.Unpin(target)
			}
			return pins.Pin(target)
		},
	}
}

func newInstallationsCommand() *cli.Command {
	listInstallations := func(args []string) error {
		locations, err := installation.Discover(installation.ConfigDir())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		defer tw.Flush()
		fmt.Fprintf(tw, "ID\tPath\tStorage\tPriority\n")
		for _, location := range locations {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n",
				location.ID, location.Path, location.StorageType, location.Priority)
		}
		return nil
	}

	var (
		displayName string
		storageType string
		priority    int
	)
	return &cli.Command{
		Name:    "installations",
		Summary: "Manage configured installations",
		Run:     listInstallations,
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Summary: "List configured installations",
				Run:     listInstallations,
			},
			{
				Name:    "add",
				Summary: "Declare an extra system installation",
				Usage:   "capsule installations add ID PATH",
				Flags: func() *pflag.FlagSet {
					fs := pflag.NewFlagSet("installations-add", pflag.ContinueOnError)
					fs.StringVar(&displayName, "display-name", "", "human-readable name")
					fs.StringVar(&storageType, "storage-type", "", "default, hard-disk, sd-card, mmc, or network")
					fs.IntVar(&priority, "prio", 0, "lookup priority, higher wins")
					return fs
				},
				Run: func(args []string) error {
					if len(args) != 2 {
						return errcode.New(errcode.InvalidArgs, "installations add needs ID and PATH")
					}
					storage, err := installation.ParseStorageType(storageType)
					if err != nil {
						return err
					}
					return installation.WriteLocation(installation.ConfigDir(), installation.Location{
						ID:          args[0],
						Path:        args[1],
						DisplayName: displayName,
						StorageType: storage,
						Priority:    priority,
					})
				},
			},
		},
	}
}

func newRepoCommand() *cli.Command {
	g := &global{}
	return &cli.Command{
		Name:    "repo",
		Summary: "Show the installation's object store refs",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("repo", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			return fs
		},
		Run: func(args []string) error {
			inst, err := g.open()
			if err != nil {
				return err
			}
			refs, err := inst.Store.ListRefs("")
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			defer tw.Flush()
			for _, entry := range refs {
				fmt.Fprintf(tw, "%s\t%s\n", entry.Name, entry.Checksum)
			}
			return nil
		},
	}
}
