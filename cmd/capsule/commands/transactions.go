// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/capsule-apps/capsule/cmd/capsule/cli"
	"github.com/capsule-apps/capsule/lib/deploy"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/transaction"
)

func newInstallCommand() *cli.Command {
	g := &global{}
	var (
		noDeps    bool
		noRelated bool
		reinstall bool
		arch      string
	)
	return &cli.Command{
		Name:    "install",
		Summary: "Install applications or runtimes",
		Usage:   "capsule install [REMOTE] REF... | capsule install BUNDLE",
		Examples: []cli.Example{
			{Description: "Install an app from a configured remote", Command: "capsule install flathub org.gnome.Calculator"},
			{Description: "Install from whichever remote carries the ref", Command: "capsule install org.gnome.Calculator"},
			{Description: "Install a single-file bundle", Command: "capsule install ./calculator.bundle"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			g.addPromptFlags(fs)
			fs.BoolVar(&noDeps, "no-deps", false, "do not install the runtime the app needs")
			fs.BoolVar(&noRelated, "no-related", false, "do not install related extensions")
			fs.BoolVar(&reinstall, "reinstall", false, "uninstall first if already installed")
			fs.StringVar(&arch, "arch", "", "install for this architecture")
			return fs
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return errcode.New(errcode.InvalidArgs, "install needs at least one ref or bundle path")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			t := transaction.New(transaction.Options{
				Installation:   inst,
				NoDeps:         noDeps,
				NoRelated:      noRelated,
				AssumeYes:      g.assumeYes,
				NonInteractive: g.nonInteractive,
				Arch:           arch,
				Logger:         g.logger(),
			})

			// A single existing file argument is a bundle install.
			if len(args) == 1 && isBundlePath(args[0]) {
				if err := t.AddInstallBundle(args[0]); err != nil {
					return err
				}
				return runTransaction(t)
			}

			remoteName := ""
			refs := args
			if len(args) > 1 {
				if _, err := inst.Registry.Get(args[0]); err == nil {
					remoteName = args[0]
					refs = args[1:]
				}
			}
			for _, target := range refs {
				if reinstall {
					err = t.AddReinstall(remoteName, target)
				} else {
					err = t.AddInstall(remoteName, target)
				}
				if err != nil {
					return err
				}
			}
			return runTransaction(t)
		},
	}
}

// isBundlePath reports whether the install argument names a local
// file rather than a ref.
func isBundlePath(arg string) bool {
	if !strings.ContainsAny(arg, "/.") {
		return false
	}
	info, err := os.Stat(arg)
	return err == nil && info.Mode().IsRegular()
}

func newUpdateCommand() *cli.Command {
	g := &global{}
	var (
		appstream bool
		arch      string
	)
	return &cli.Command{
		Name:    "update",
		Summary: "Update installed applications and runtimes",
		Usage:   "capsule update [REF...]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("update", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			g.addPromptFlags(fs)
			fs.BoolVar(&appstream, "appstream", false, "update appstream catalogue data instead of refs")
			fs.StringVar(&arch, "arch", "", "update this architecture")
			return fs
		},
		Run: func(args []string) error {
			inst, err := g.open()
			if err != nil {
				return err
			}
			t := transaction.New(transaction.Options{
				Installation:   inst,
				AssumeYes:      g.assumeYes,
				NonInteractive: g.nonInteractive,
				Arch:           arch,
				Logger:         g.logger(),
			})

			if appstream {
				remotes, err := inst.Registry.List()
				if err != nil {
					return err
				}
				for _, remote := range remotes {
					if remote.Disabled {
						continue
					}
					if err := t.AddUpdateAppstream(remote.Name); err != nil {
						return err
					}
				}
				return runTransaction(t)
			}

			targets := args
			if len(targets) == 0 {
				refs, err := inst.Deploy.CollectDeployedRefs(deploy.Filter{})
				if err != nil {
					return err
				}
				for _, r := range refs {
					targets = append(targets, r.Ref.String())
				}
				if len(targets) == 0 {
					fmt.Println("Nothing to update.")
					return nil
				}
			}
			for _, target := range targets {
				if err := t.AddUpdate(target); err != nil {
					return err
				}
			}
			return runTransaction(t)
		},
	}
}

func newUninstallCommand() *cli.Command {
	g := &global{}
	return &cli.Command{
		Name:    "uninstall",
		Summary: "Uninstall applications or runtimes",
		Usage:   "capsule uninstall REF...",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("uninstall", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			g.addPromptFlags(fs)
			return fs
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return errcode.New(errcode.InvalidArgs, "uninstall needs at least one ref")
			}
			inst, err := g.open()
			if err != nil {
				return err
			}
			t := transaction.New(transaction.Options{
				Installation:   inst,
				AssumeYes:      g.assumeYes,
				NonInteractive: g.nonInteractive,
				Logger:         g.logger(),
			})
			for _, target := range args {
				if err := t.AddUninstall(target); err != nil {
					return err
				}
			}
			return runTransaction(t)
		},
	}
}

// runTransaction drives a built transaction: renders its event stream,
// answers its prompts from the terminal, and cancels it on SIGINT.
func runTransaction(t *transaction.Transaction) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := t.Events()
	prompts := t.Prompts()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		renderEvents(events)
	}()
	go func() {
		defer wg.Done()
		answerPrompts(prompts)
	}()

	err := t.Run(ctx)
	wg.Wait()
	return err
}

// renderEvents prints operation progress. On a terminal, byte progress
// redraws a single status line; otherwise progress is silent and only
// start/end lines are printed.
func renderEvents(events <-chan transaction.Event) {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	progressShown := false

	clearProgress := func() {
		if progressShown {
			fmt.Print("\r\033[K")
			progressShown = false
		}
	}

	for event := range events {
		switch event.Kind {
		case transaction.EventOpStarted:
			clearProgress()
			fmt.Printf("%s\n", event.Op)
		case transaction.EventBytesProgress:
			if !interactive {
				continue
			}
			if event.Total > 0 {
				fmt.Printf("\r\033[K  %s / %s", formatSize(event.Done), formatSize(event.Total))
			} else {
				fmt.Printf("\r\033[K  %s", formatSize(event.Done))
			}
			progressShown = true
		case transaction.EventOpEnded:
			clearProgress()
			switch {
			case event.Err != nil:
				fmt.Printf("  error: %v\n", event.Err)
			case event.Skipped:
				fmt.Printf("  skipped: %s\n", event.Op)
			default:
				if event.Op != nil && event.Op.EndOfLife != "" {
					fmt.Printf("  warning: %s is end-of-life: %s\n", event.Op.Ref, event.Op.EndOfLife)
					if event.Op.EOLRebase != "" {
						fmt.Printf("  warning: replaced by %s\n", event.Op.EOLRebase)
					}
				}
			}
		}
	}
	clearProgress()
}

// answerPrompts reads prompt answers from stdin.
func answerPrompts(prompts <-chan *transaction.Prompt) {
	reader := bufio.NewReader(os.Stdin)
	for prompt := range prompts {
		switch prompt.Kind {
		case transaction.PromptConfirm:
			fmt.Printf("%s [y/n]: ", prompt.Message)
			line, _ := reader.ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			prompt.Reply(transaction.Response{Yes: answer == "y" || answer == "yes"})
		default:
			fmt.Println(prompt.Message)
			for i, choice := range prompt.Choices {
				fmt.Printf("  %d) %s\n", i+1, choice)
			}
			fmt.Print("Choice: ")
			line, _ := reader.ReadString('\n')
			index, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil {
				// Out of range; the engine treats it as an abort.
				index = 0
			}
			prompt.Reply(transaction.Response{Index: index - 1})
		}
	}
}

// formatSize renders a byte count in binary units.
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
