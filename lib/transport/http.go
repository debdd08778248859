// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/store"
)

// HTTPSource is a Source over an HTTP repository that publishes the
// store layout directly: objects under objects/aa/…, refs under
// refs/heads/…, the summary and its signature at the repo root.
type HTTPSource struct {
	base   string
	client *Client
}

// NewHTTPSource creates a source for the repository at baseURL.
func NewHTTPSource(baseURL string, client *Client) *HTTPSource {
	return &HTTPSource{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: client,
	}
}

func (s *HTTPSource) url(relPath string) string {
	return s.base + "/" + relPath
}

// notFoundAs rewrites an HTTP 404 into the domain code the caller
// understands; other errors pass through.
func notFoundAs(err error, code errcode.Code, format string, args ...any) error {
	if errcode.Is(err, errcode.HTTPClientError) {
		return errcode.Wrap(code, err, format, args...)
	}
	return err
}

// ResolveRef fetches the ref file and parses the checksum it holds.
func (s *HTTPSource) ResolveRef(ctx context.Context, name string) (store.Checksum, error) {
	data, err := s.client.Get(ctx, s.url(store.RefRelPath(name)))
	if err != nil {
		return store.Checksum{}, notFoundAs(err, errcode.InvalidRef, "remote has no ref %s", name)
	}
	checksum, err := store.ParseChecksum(strings.TrimSpace(string(data)))
	if err != nil {
		return store.Checksum{}, errcode.Wrap(errcode.ObjectCorrupt, err, "remote ref %s", name)
	}
	return checksum, nil
}

// FetchMetaObject fetches a metadata object's canonical bytes.
// Verification against the checksum happens at store ingest, not here.
func (s *HTTPSource) FetchMetaObject(ctx context.Context, checksum store.Checksum, kind store.ObjectKind) ([]byte, error) {
	data, err := s.client.Get(ctx, s.url(store.ObjectRelPath(checksum, kind)))
	if err != nil {
		return nil, notFoundAs(err, errcode.ObjectMissing, "remote is missing %s object %s", kind, checksum.Short())
	}
	return data, nil
}

// FetchFileObject fetches a file object's metadata sidecar and, for
// non-symlinks, its payload.
func (s *HTTPSource) FetchFileObject(ctx context.Context, checksum store.Checksum) ([]byte, []byte, error) {
	meta, err := s.client.Get(ctx, s.url(store.FileMetaRelPath(checksum)))
	if err != nil {
		return nil, nil, notFoundAs(err, errcode.ObjectMissing, "remote is missing file metadata %s", checksum.Short())
	}
	content, err := s.client.Get(ctx, s.url(store.ObjectRelPath(checksum, store.ObjectFile)))
	if err != nil {
		// Symlinks have no payload file; the store's checksum
		// verification catches a genuinely missing payload.
		if errcode.Is(err, errcode.HTTPClientError) {
			return meta, nil, nil
		}
		return nil, nil, err
	}
	return meta, content, nil
}

// ListSignatures fetches the commit's detached signature, when
// published. An unsigned commit yields no signatures, not an error.
func (s *HTTPSource) ListSignatures(ctx context.Context, commit store.Checksum) ([][]byte, error) {
	data, err := s.client.Get(ctx, s.url(store.ObjectRelPath(commit, store.ObjectCommit)+".sig"))
	if err != nil {
		if errcode.Is(err, errcode.HTTPClientError) {
			return nil, nil
		}
		return nil, err
	}
	return [][]byte{data}, nil
}

// FetchSummary fetches the published summary and its signature from a
// remote URL, satisfying the remote registry's SummaryFetcher.
func (s *HTTPSource) FetchSummary(ctx context.Context, url string) ([]byte, []byte, error) {
	base := strings.TrimSuffix(url, "/")
	payload, err := s.client.Get(ctx, base+"/summary")
	if err != nil {
		return nil, nil, err
	}
	signature, err := s.client.Get(ctx, base+"/summary.sig")
	if err != nil {
		if errcode.Is(err, errcode.HTTPClientError) {
			return payload, nil, nil
		}
		return nil, nil, err
	}
	return payload, signature, nil
}
