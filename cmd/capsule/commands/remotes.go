// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/capsule-apps/capsule/cmd/capsule/cli"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/remote"
)

func newRemoteAddCommand() *cli.Command {
	g := &global{}
	var (
		fromFile    string
		gpgImport   string
		noGPGVerify bool
		ifNotExists bool
		title       string
		collection  string
		priority    int
		noEnumerate bool
		disabled    bool
		subset      string
	)
	return &cli.Command{
		Name:    "remote-add",
		Summary: "Add a remote registry",
		Usage:   "capsule remote-add NAME URL | capsule remote-add --from FILE NAME",
		Examples: []cli.Example{
			{Description: "Add a remote by URL with a verification key", Command: "capsule remote-add --gpg-import=key.asc flathub https://dl.flathub.org/repo"},
			{Description: "Add a remote from a .flatpakrepo file", Command: "capsule remote-add --from flathub.flatpakrepo flathub"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("remote-add", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.StringVar(&fromFile, "from", "", "load URL, title, and key from a repo file")
			fs.StringVar(&gpgImport, "gpg-import", "", "import a verification key from this file")
			fs.BoolVar(&noGPGVerify, "no-gpg-verify", false, "disable signature verification")
			fs.BoolVar(&ifNotExists, "if-not-exists", false, "succeed silently when the remote exists")
			fs.StringVar(&title, "title", "", "human-readable remote title")
			fs.StringVar(&collection, "collection-id", "", "collection id for offline redistribution")
			fs.IntVar(&priority, "prio", 1, "priority when several remotes carry a ref")
			fs.BoolVar(&noEnumerate, "no-enumerate", false, "hide the remote from listings")
			fs.BoolVar(&disabled, "disable", false, "add the remote in disabled state")
			fs.StringVar(&subset, "subset", "", "restrict to a named summary subset")
			return fs
		},
		Run: func(args []string) error {
			inst, err := g.open()
			if err != nil {
				return err
			}

			var config *remote.Config
			var keyMaterial []byte

			switch {
			case fromFile != "":
				if len(args) != 1 {
					return errcode.New(errcode.InvalidArgs, "remote-add --from needs exactly the remote name")
				}
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				repoFile, err := remote.ParseRepoFile(data)
				if err != nil {
					return err
				}
				config = repoFile.RemoteConfig(args[0])
				keyMaterial = repoFile.GPGKey
			case len(args) == 2:
				config = &remote.Config{
					Name:      args[0],
					URL:       args[1],
					GPGVerify: true,
					Priority:  1,
				}
			default:
				return errcode.New(errcode.InvalidArgs, "remote-add needs NAME and URL (or --from FILE NAME)")
			}

			if gpgImport != "" {
				key, err := os.ReadFile(gpgImport)
				if err != nil {
					return err
				}
				keyMaterial = key
				config.GPGVerify = true
			}
			if noGPGVerify {
				config.GPGVerify = false
			}
			if title != "" {
				config.Title = title
			}
			if collection != "" {
				config.CollectionID = collection
			}
			config.Priority = priority
			config.NoEnumerate = noEnumerate
			config.Disabled = disabled
			config.Subset = subset

			if config.GPGVerify && len(keyMaterial) == 0 {
				return errcode.New(errcode.GpgInvalid,
					"remote %s has verification enabled but no key; pass --gpg-import or --no-gpg-verify", config.Name)
			}
			return inst.Registry.Add(config, keyMaterial, ifNotExists)
		},
	}
}

func newRemoteModifyCommand() *cli.Command {
	g := &global{}
	var (
		url         string
		title       string
		collection  string
		gpgImport   string
		noGPGVerify bool
		gpgVerify   bool
		priority    int
		enable      bool
		disable     bool
		subset      string
	)
	return &cli.Command{
		Name:    "remote-modify",
		Summary: "Change a remote's configuration",
		Usage:   "capsule remote-modify NAME [flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("remote-modify", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.StringVar(&url, "url", "", "change the base URL")
			fs.StringVar(&title, "title", "", "change the title")
			fs.StringVar(&collection, "collection-id", "", "change the collection id")
			fs.StringVar(&gpgImport, "gpg-import", "", "import a verification key from this file")
			fs.BoolVar(&noGPGVerify, "no-gpg-verify", false, "disable signature verification")
			fs.BoolVar(&gpgVerify, "gpg-verify", false, "enable signature verification")
			fs.IntVar(&priority, "prio", -1, "change the priority")
			fs.BoolVar(&enable, "enable", false, "enable the remote")
			fs.BoolVar(&disable, "disable", false, "disable the remote")
			fs.StringVar(&subset, "subset", "", "restrict to a named summary subset")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return errcode.New(errcode.InvalidArgs, "remote-modify needs exactly one remote name")
			}
			if enable && disable {
				return errcode.New(errcode.InvalidArgs, "--enable and --disable are mutually exclusive")
			}
			if gpgVerify && noGPGVerify {
				return errcode.New(errcode.InvalidArgs, "--gpg-verify and --no-gpg-verify are mutually exclusive")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}

			patch := &remote.Patch{}
			if url != "" {
				patch.URL = &url
			}
			if title != "" {
				patch.Title = &title
			}
			if collection != "" {
				patch.CollectionID = &collection
			}
			if subset != "" {
				patch.Subset = &subset
			}
			if priority >= 0 {
				patch.Priority = &priority
			}
			boolPtr := func(v bool) *bool { return &v }
			if gpgVerify || gpgImport != "" {
				patch.GPGVerify = boolPtr(true)
			}
			if noGPGVerify {
				patch.GPGVerify = boolPtr(false)
			}
			if enable {
				patch.Disabled = boolPtr(false)
			}
			if disable {
				patch.Disabled = boolPtr(true)
			}

			var keyMaterial []byte
			if gpgImport != "" {
				keyMaterial, err = os.ReadFile(gpgImport)
				if err != nil {
					return err
				}
			}
			return inst.Registry.Modify(args[0], patch, keyMaterial)
		},
	}
}

func newRemoteDeleteCommand() *cli.Command {
	g := &global{}
	var force bool
	return &cli.Command{
		Name:    "remote-delete",
		Summary: "Delete a remote registry",
		Usage:   "capsule remote-delete NAME",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("remote-delete", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.BoolVar(&force, "force", false, "delete even with installed refs from this remote")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return errcode.New(errcode.InvalidArgs, "remote-delete needs exactly one remote name")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			return inst.Registry.Remove(args[0], force)
		},
	}
}

func newRemotesCommand() *cli.Command {
	g := &global{}
	var showDetails bool
	return &cli.Command{
		Name:    "remotes",
		Summary: "List configured remotes",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("remotes", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.BoolVar(&showDetails, "show-details", false, "include URL, priority, and options")
			return fs
		},
		Run: func(args []string) error {
			inst, err := g.open()
			if err != nil {
				return err
			}
			origins, err := inst.Deploy.InstalledOrigins()
			if err != nil {
				return err
			}
			remotes, err := inst.Registry.ListEnumerated(origins)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			defer tw.Flush()
			for _, config := range remotes {
				var options []string
				if config.Disabled {
					options = append(options, "disabled")
				}
				if !config.GPGVerify {
					options = append(options, "no-gpg-verify")
				}
				if config.NoEnumerate {
					options = append(options, "no-enumerate")
				}
				if showDetails {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						config.Name, config.Title, config.URL, config.Priority, strings.Join(options, ","))
				} else {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", config.Name, config.Title, strings.Join(options, ","))
				}
			}
			return nil
		},
	}
}

func newRemoteLsCommand() *cli.Command {
	g := &global{}
	var arch string
	return &cli.Command{
		Name:    "remote-ls",
		Summary: "List the refs a remote offers",
		Usage:   "capsule remote-ls REMOTE",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("remote-ls", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.StringVar(&arch, "arch", "", "only list refs for this architecture")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return errcode.New(errcode.InvalidArgs, "remote-ls needs exactly one remote name")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			refs, err := inst.Registry.ListRemoteRefs(context.Background(), args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			defer tw.Flush()
			for _, r := range refs {
				if arch != "" && !strings.Contains(r.Name, "/"+arch+"/") {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, formatSize(r.InstalledSize), formatSize(r.DownloadSize))
			}
			return nil
		},
	}
}

func newSearchCommand() *cli.Command {
	g := &global{}
	return &cli.Command{
		Name:    "search",
		Summary: "Search remote refs by name",
		Usage:   "capsule search TEXT",
		Run: func(args []string) error {
			if len(args) != 1 {
				return errcode.New(errcode.InvalidArgs, "search needs exactly one search term")
			}
			return searchRemotes(g, args[0])
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("search", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			return fs
		},
	}
}

// searchRemotes matches the term case-insensitively against every
// enumerated remote's visible ref names.
func searchRemotes(g *global, term string) error {
	inst, err := g.open()
	if err != nil {
		return err
	}
	origins, err := inst.Deploy.InstalledOrigins()
	if err != nil {
		return err
	}
	remotes, err := inst.Registry.ListEnumerated(origins)
	if err != nil {
		return err
	}

	needle := strings.ToLower(term)
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	defer tw.Flush()
	found := false
	for _, config := range remotes {
		if config.Disabled {
			continue
		}
		refs, err := inst.Registry.ListRemoteRefs(context.Background(), config.Name)
		if err != nil {
			g.logger().Warn("skipping remote in search", "remote", config.Name, "error", err)
			continue
		}
		for _, r := range refs {
			if strings.Contains(strings.ToLower(r.Name), needle) {
				fmt.Fprintf(tw, "%s\t%s\n", r.Name, config.Name)
				found = true
			}
		}
	}
	if !found {
		fmt.Fprintf(os.Stderr, "No matches for %q.\n", term)
	}
	return nil
}
