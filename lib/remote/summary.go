// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/store"
)

// SummaryRef is one ref's entry in a remote summary.
type SummaryRef struct {
	Checksum      store.Checksum `cbor:"checksum"`
	InstalledSize int64          `cbor:"installed_size"`
	DownloadSize  int64          `cbor:"download_size"`
	Metadata      string         `cbor:"metadata,omitempty"`

	// End-of-life notice and optional replacement ref, sparse.
	EndOfLife string `cbor:"eol,omitempty"`
	EOLRebase string `cbor:"eol_rebase,omitempty"`
}

// Summary is the remote-published manifest: the current commit and
// sizes for every ref the remote (or the selected subset) carries.
type Summary struct {
	Title         string                `cbor:"title,omitempty"`
	DefaultBranch string                `cbor:"default_branch,omitempty"`
	CollectionID  string                `cbor:"collection_id,omitempty"`
	Refs          map[string]SummaryRef `cbor:"refs"`
	Metadata      map[string]string     `cbor:"metadata,omitempty"`

	// Subsets maps a subset name to the ref names it contains. A
	// remote configured with a subset only exposes those refs.
	Subsets map[string][]string `cbor:"subsets,omitempty"`
}

// SummaryFetcher retrieves the raw summary and its detached signature
// from a remote URL. The transport package provides the HTTP
// implementation; tests provide fakes.
type SummaryFetcher interface {
	FetchSummary(ctx context.Context, url string) (summary, signature []byte, err error)
}

// State is a remote plus its resolved summary: everything the pull
// engine needs to turn a ref name into a commit checksum.
type State struct {
	Config  *Config
	Summary *Summary

	// Fetched is when the summary bytes were last confirmed current.
	Fetched time.Time
}

// ResolveRef returns the remote's current commit for a ref name.
func (s *State) ResolveRef(name string) (store.Checksum, error) {
	entry, ok := s.Summary.Refs[name]
	if !ok {
		return store.Checksum{}, errcode.New(errcode.InvalidRef, "remote %s has no ref %s", s.Config.Name, name)
	}
	return entry.Checksum, nil
}

// summaryCache is the on-disk envelope under repo/summaries/<name>.
// Payload keeps the exact published bytes so the content hash and the
// signature stay verifiable against what the remote served.
type summaryCache struct {
	Fetched     int64    `cbor:"fetched"`
	ContentHash [32]byte `cbor:"content_hash"`
	Payload     []byte   `cbor:"payload"`
	Signature   []byte   `cbor:"signature,omitempty"`
}

func summaryCachePath(summariesDir, name string) string {
	return filepath.Join(summariesDir, name)
}

func loadSummaryCache(summariesDir, name string) (*summaryCache, error) {
	data, err := os.ReadFile(summaryCachePath(summariesDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading summary cache for %s: %w", name, err)
	}
	var cache summaryCache
	if err := codec.Unmarshal(data, &cache); err != nil {
		// A corrupt cache entry is re-fetched, not fatal.
		return nil, nil
	}
	return &cache, nil
}

func saveSummaryCache(summariesDir, name string, cache *summaryCache) error {
	data, err := codec.Marshal(cache)
	if err != nil {
		return fmt.Errorf("serialising summary cache for %s: %w", name, err)
	}
	path := summaryCachePath(summariesDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing summary cache for %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing summary cache for %s: %w", name, err)
	}
	return nil
}

func removeSummaryCache(summariesDir, name string) error {
	err := os.Remove(summaryCachePath(summariesDir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func decodeSummary(payload []byte) (*Summary, error) {
	var summary Summary
	if err := codec.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("decoding summary: %w", err)
	}
	return &summary, nil
}

// GetState returns the remote's configuration plus its summary.
//
// The cached summary is reused while younger than the registry TTL.
// Past the TTL the summary is re-fetched; if the new bytes hash the
// same as the cached ones only the freshness stamp moves. A fetch
// failure falls back to the stale cache when one exists, otherwise it
// surfaces as NetworkUnavailable. Signature verification failures are
// fatal, never retried against the cache.
func (r *Registry) GetState(ctx context.Context, name string) (*State, error) {
	config, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	cache, err := loadSummaryCache(r.store.SummariesDir(), name)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	if cache != nil && now.Sub(time.Unix(cache.Fetched, 0)) < r.summaryTTL {
		summary, err := decodeSummary(cache.Payload)
		if err != nil {
			return nil, err
		}
		return &State{Config: config, Summary: summary, Fetched: time.Unix(cache.Fetched, 0)}, nil
	}

	payload, signature, err := r.fetcher.FetchSummary(ctx, config.URL)
	if err != nil {
		if cache != nil {
			r.logger.Warn("summary fetch failed, using stale cache",
				"remote", name, "error", err)
			summary, decodeErr := decodeSummary(cache.Payload)
			if decodeErr != nil {
				return nil, decodeErr
			}
			return &State{Config: config, Summary: summary, Fetched: time.Unix(cache.Fetched, 0)}, nil
		}
		return nil, errcode.Wrap(errcode.NetworkUnavailable, err, "fetching summary for %s", name)
	}

	contentHash := blake3.Sum256(payload)
	if cache != nil && contentHash == cache.ContentHash {
		cache.Fetched = now.Unix()
		if err := saveSummaryCache(r.store.SummariesDir(), name, cache); err != nil {
			return nil, err
		}
		summary, err := decodeSummary(cache.Payload)
		if err != nil {
			return nil, err
		}
		return &State{Config: config, Summary: summary, Fetched: now}, nil
	}

	if config.GPGVerify {
		ring, err := LoadKeyring(r.store.KeysDir(), name)
		if err != nil {
			return nil, err
		}
		if err := ring.Verify(payload, signature); err != nil {
			return nil, errcode.Wrap(errcode.CodeOf(err), err, "summary for %s", name)
		}
	}

	summary, err := decodeSummary(payload)
	if err != nil {
		return nil, err
	}
	newCache := &summaryCache{
		Fetched:     now.Unix(),
		ContentHash: contentHash,
		Payload:     payload,
		Signature:   signature,
	}
	if err := saveSummaryCache(r.store.SummariesDir(), name, newCache); err != nil {
		return nil, err
	}
	r.logger.Info("summary refreshed", "remote", name, "refs", len(summary.Refs))
	return &State{Config: config, Summary: summary, Fetched: now}, nil
}
