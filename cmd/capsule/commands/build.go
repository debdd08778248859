// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/capsule-apps/capsule/cmd/capsule/cli"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/store"
)

func newBuildImportCommand() *cli.Command {
	g := &global{}
	var (
		subject string
		body    string
	)
	return &cli.Command{
		Name:    "build-import",
		Summary: "Import a build directory into the object store",
		Usage:   "capsule build-import DIRECTORY REF",
		Description: "Commits the contents of DIRECTORY under REF. A metadata keyfile\n" +
			"at the directory root is attached to the commit; an existing ref\n" +
			"becomes the parent commit.",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("build-import", pflag.ContinueOnError)
			g.addSelectorFlags(fs)
			fs.StringVar(&subject, "subject", "", "one-line commit subject")
			fs.StringVar(&body, "body", "", "commit description")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return errcode.New(errcode.InvalidArgs, "build-import needs DIRECTORY and REF")
			}
			buildDir, target := args[0], args[1]
			parsed, err := ref.Parse(target)
			if err != nil {
				return err
			}
			inst, err := g.open()
			if err != nil {
				return err
			}

			tree, err := store.MTreeFromFS(buildDir)
			if err != nil {
				return err
			}

			commit := &store.Commit{
				Subject:   subject,
				Body:      body,
				Timestamp: time.Now().Unix(),
				Metadata:  map[string]string{store.AttrRef: parsed.String()},
			}
			if subject == "" {
				commit.Subject = "Import of " + parsed.String()
			}
			metadataBytes, err := os.ReadFile(filepath.Join(buildDir, "metadata"))
			if err == nil {
				commit.Metadata[store.AttrMetadata] = string(metadataBytes)
				metadata, err := keyfile.Parse(metadataBytes)
				if err != nil {
					return errcode.Wrap(errcode.InvalidArgs, err, "parsing %s metadata", buildDir)
				}
				if runtime := metadata.String("Application", "runtime"); runtime != "" {
					commit.Metadata[store.AttrRuntime] = runtime
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("reading build metadata: %w", err)
			}
			if parent, err := inst.Store.ResolveRef(parsed.String()); err == nil {
				commit.Parent = &parent
			} else if !errcode.Is(err, errcode.ObjectMissing) {
				return err
			}

			txn, err := inst.Store.Begin()
			if err != nil {
				return err
			}
			defer txn.Abort()
			commit.RootTree, commit.RootMeta, err = txn.WriteMTree(tree)
			if err != nil {
				return err
			}
			checksum, err := txn.WriteCommit(commit)
			if err != nil {
				return err
			}
			txn.SetRef(parsed.String(), checksum)
			if err := txn.Commit(context.Background()); err != nil {
				return err
			}
			fmt.Printf("Imported %s as %s\n", parsed, checksum.Short())
			return nil
		},
	}
}
