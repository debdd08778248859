// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/capsule-apps/capsule/lib/errcode"
)

func TestParseRepoFile(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, 32)
	data := []byte("[Flatpak Repo]\n" +
		"Version=1\n" +
		"Url=https://dl.flathub.org/repo/\n" +
		"Title=Flathub\n" +
		"DefaultBranch=stable\n" +
		"GPGKey=" + base64.StdEncoding.EncodeToString(key) + "\n")

	repo, err := ParseRepoFile(data)
	if err != nil {
		t.Fatalf("ParseRepoFile failed: %v", err)
	}
	if repo.URL != "https://dl.flathub.org/repo/" || repo.Title != "Flathub" {
		t.Errorf("parsed = %+v", repo)
	}
	if !bytes.Equal(repo.GPGKey, key) {
		t.Errorf("GPGKey not decoded")
	}

	config := repo.RemoteConfig("flathub")
	if !config.GPGVerify {
		t.Errorf("a keyed repo file must enable gpg-verify")
	}
	if config.DefaultBranch != "stable" {
		t.Errorf("DefaultBranch = %q", config.DefaultBranch)
	}
}

func TestParseRepoFileRejects(t *testing.T) {
	cases := []struct {
		name string
		data string
		code errcode.Code
	}{
		{"wrong version", "[Flatpak Repo]\nVersion=2\nUrl=https://x/\n", errcode.UnsupportedRepoFile},
		{"no group", "[Something Else]\nUrl=https://x/\n", errcode.UnsupportedRepoFile},
		{"no url", "[Flatpak Repo]\nVersion=1\n", errcode.UnsupportedRepoFile},
		{"truncated key", "[Flatpak Repo]\nUrl=https://x/\nGPGKey=" + base64.StdEncoding.EncodeToString([]byte("short")) + "\n", errcode.GpgInvalid},
		{"bad base64", "[Flatpak Repo]\nUrl=https://x/\nGPGKey=!!!not-base64!!!\n", errcode.GpgInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseRepoFile([]byte(c.data))
			if !errcode.Is(err, c.code) {
				t.Errorf("ParseRepoFile = %v, want code %v", err, c.code)
			}
		})
	}
}

func TestParseRepoFileVersionDefaultsToOne(t *testing.T) {
	repo, err := ParseRepoFile([]byte("[Flatpak Repo]\nUrl=https://x/\n"))
	if err != nil {
		t.Fatalf("ParseRepoFile failed: %v", err)
	}
	if repo.URL != "https://x/" {
		t.Errorf("parsed = %+v", repo)
	}
}
