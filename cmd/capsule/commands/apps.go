// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/capsule-apps/capsule/cmd/capsule/cli"
	"github.com/capsule-apps/capsule/lib/deploy"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/installation"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/store"
)

func newListCommand() *cli.Command {
	g := &global{}
	var (
		appsOnly     bool
		runtimesOnly bool
	)
	return &cli.Command{
		Name:    "list",
		Summary: "List installed applications and runtimes",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.BoolVar(&appsOnly, "app", false, "only list applications")
			fs.BoolVar(&runtimesOnly, "runtime", false, "only list runtimes")
			return fs
		},
		Run: func(args []string) error {
			inst, err := g.open()
			if err != nil {
				return err
			}
			filter := deploy.Filter{}
			if appsOnly && !runtimesOnly {
				filter.Kind = ref.KindApp
			}
			if runtimesOnly && !appsOnly {
				filter.Kind = ref.KindRuntime
			}
			deployed, err := inst.Deploy.CollectDeployedRefs(filter)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			defer tw.Flush()
			for _, d := range deployed {
				origin := ""
				size := int64(0)
				if d.Data != nil {
					origin = d.Data.Origin
					size = d.Data.InstalledSize
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Ref, origin, d.Active.Short(), formatSize(size))
			}
			return nil
		},
	}
}

func newInfoCommand() *cli.Command {
	g := &global{}
	var showCommit bool
	return &cli.Command{
		Name:    "info",
		Summary: "Show details of an installed ref",
		Usage:   "capsule info REF",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("info", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.BoolVar(&showCommit, "show-commit", false, "include commit subject, body, and date")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return errcode.New(errcode.InvalidArgs, "info needs exactly one ref")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			target, err := resolveDeployedTarget(inst, args[0])
			if err != nil {
				return err
			}
			data, dir, err := inst.Deploy.LoadDeployed(target, store.Checksum{})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintf(tw, "Ref:\t%s\n", target)
			fmt.Fprintf(tw, "Origin:\t%s\n", data.Origin)
			fmt.Fprintf(tw, "Commit:\t%s\n", data.Commit)
			fmt.Fprintf(tw, "Installed size:\t%s\n", formatSize(data.InstalledSize))
			fmt.Fprintf(tw, "Location:\t%s\n", dir)
			if data.RuntimeRef != "" {
				fmt.Fprintf(tw, "Runtime:\t%s\n", data.RuntimeRef)
			}
			if len(data.Subpaths) > 0 {
				fmt.Fprintf(tw, "Subpaths:\t%v\n", data.Subpaths)
			}
			if data.AltID != "" {
				fmt.Fprintf(tw, "Previous id:\t%s\n", data.AltID)
			}
			if data.EndOfLife != "" {
				fmt.Fprintf(tw, "End of life:\t%s\n", data.EndOfLife)
			}
			if data.EOLRebase != "" {
				fmt.Fprintf(tw, "Replaced by:\t%s\n", data.EOLRebase)
			}
			if showCommit {
				commit, err := inst.Store.ReadCommit(data.Commit)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "Date:\t%s\n", commit.Time().Format(time.RFC1123))
				if commit.Subject != "" {
					fmt.Fprintf(tw, "Subject:\t%s\n", commit.Subject)
				}
				if commit.Body != "" {
					fmt.Fprintf(tw, "Body:\t%s\n", commit.Body)
				}
				if commit.Parent != nil {
					fmt.Fprintf(tw, "Parent:\t%s\n", commit.Parent)
				}
			}
			return nil
		},
	}
}

// resolveDeployedTarget parses a possibly under-qualified ref against
// what is actually deployed: full refs pass through, bare app ids
// resolve via the current branch.
func resolveDeployedTarget(inst *installation.Installation, target string) (ref.Ref, error) {
	if parsed, err := ref.Parse(target); err == nil {
		return parsed, nil
	}
	if err := ref.ValidateID(target); err != nil {
		return ref.Ref{}, errcode.New(errcode.InvalidRef, "cannot parse %q as a ref or app id", target)
	}
	arch, branch, err := inst.Deploy.CurrentBranch(target)
	if err != nil {
		return ref.Ref{}, errcode.Wrap(errcode.NotInstalled, err, "%s is not installed", target)
	}
	return ref.New(ref.KindApp, target, arch, branch)
}

func newMakeCurrentCommand() *cli.Command {
	g := &global{}
	var arch string
	return &cli.Command{
		Name:    "make-current",
		Summary: "Make a branch the current one for an app",
		Usage:   "capsule make-current APP BRANCH",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("make-current", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.StringVar(&arch, "arch", "", "architecture of the branch")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return errcode.New(errcode.InvalidArgs, "make-current needs APP and BRANCH")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			if arch == "" {
				arch = ref.DefaultArch()
			}
			target, err := ref.New(ref.KindApp, args[0], arch, args[1])
			if err != nil {
				return err
			}
			if err := inst.Deploy.SetCurrent(target); err != nil {
				return err
			}
			return inst.Deploy.RebuildExports()
		},
	}
}
