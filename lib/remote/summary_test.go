// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/capsule-apps/capsule/lib/clock"
	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/store"
)

// fakeFetcher serves a canned summary and counts fetches.
type fakeFetcher struct {
	payload   []byte
	signature []byte
	err       error
	fetches   int
}

func (f *fakeFetcher) FetchSummary(context.Context, string) ([]byte, []byte, error) {
	f.fetches++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.payload, f.signature, nil
}

func testSummaryBytes(t *testing.T, refs map[string]SummaryRef) []byte {
	t.Helper()
	data, err := codec.Marshal(&Summary{Title: "Test", Refs: refs})
	if err != nil {
		t.Fatalf("marshalling summary: %v", err)
	}
	return data
}

func addUnverifiedRemote(t *testing.T, r *Registry, name string) {
	t.Helper()
	err := r.Add(&Config{Name: name, URL: "https://x/", GPGVerify: false, Priority: 1}, nil, false)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
}

func TestGetStateCachesWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{payload: testSummaryBytes(t, map[string]SummaryRef{
		"app/org.example.X/x86_64/stable": {InstalledSize: 42},
	})}
	fake := clock.Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRegistry(t, Options{Fetcher: fetcher, Clock: fake, SummaryTTL: 10 * time.Minute})
	addUnverifiedRemote(t, r, "origin")

	state, err := r.GetState(context.Background(), "origin")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Summary.Title != "Test" || len(state.Summary.Refs) != 1 {
		t.Errorf("summary = %+v", state.Summary)
	}
	if fetcher.fetches != 1 {
		t.Fatalf("fetches = %d", fetcher.fetches)
	}

	// Within the TTL the cache answers without a fetch.
	fake.Advance(5 * time.Minute)
	if _, err := r.GetState(context.Background(), "origin"); err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if fetcher.fetches != 1 {
		t.Errorf("cached lookup fetched anyway (fetches = %d)", fetcher.fetches)
	}

	// Past the TTL it re-fetches; identical content only refreshes
	// the stamp.
	fake.Advance(10 * time.Minute)
	if _, err := r.GetState(context.Background(), "origin"); err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if fetcher.fetches != 2 {
		t.Errorf("stale lookup did not fetch (fetches = %d)", fetcher.fetches)
	}
	fake.Advance(time.Minute)
	if _, err := r.GetState(context.Background(), "origin"); err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if fetcher.fetches != 2 {
		t.Errorf("content-hash short-circuit did not reset freshness")
	}
}

func TestGetStateStaleOnNetworkError(t *testing.T) {
	fetcher := &fakeFetcher{payload: testSummaryBytes(t, map[string]SummaryRef{
		"app/org.example.X/x86_64/stable": {},
	})}
	fake := clock.Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRegistry(t, Options{Fetcher: fetcher, Clock: fake, SummaryTTL: time.Minute})
	addUnverifiedRemote(t, r, "origin")

	if _, err := r.GetState(context.Background(), "origin"); err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	// Network goes away; stale cache still serves.
	fetcher.err = errors.New("connection refused")
	fake.Advance(time.Hour)
	state, err := r.GetState(context.Background(), "origin")
	if err != nil {
		t.Fatalf("GetState with stale cache failed: %v", err)
	}
	if len(state.Summary.Refs) != 1 {
		t.Errorf("stale summary = %+v", state.Summary)
	}
}

func TestGetStateNoCacheNoNetwork(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	r := newTestRegistry(t, Options{Fetcher: fetcher})
	addUnverifiedRemote(t, r, "origin")

	_, err := r.GetState(context.Background(), "origin")
	if !errcode.Is(err, errcode.NetworkUnavailable) {
		t.Errorf("GetState with no cache: %v", err)
	}
}

func TestGetStateVerifiesSignature(t *testing.T) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	payload := testSummaryBytes(t, map[string]SummaryRef{"app/org.example.X/x86_64/stable": {}})

	fetcher := &fakeFetcher{payload: payload, signature: ed25519.Sign(private, payload)}
	r := newTestRegistry(t, Options{Fetcher: fetcher})
	if err := r.Add(&Config{Name: "signed", URL: "https://x/", Priority: 1}, []byte(public), false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, err := r.GetState(context.Background(), "signed"); err != nil {
		t.Fatalf("GetState with valid signature failed: %v", err)
	}

	// A different remote trusting a different key must reject the
	// same payload.
	otherPublic, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if err := r.Add(&Config{Name: "wrongkey", URL: "https://y/", Priority: 1}, []byte(otherPublic), false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := r.GetState(context.Background(), "wrongkey"); !errcode.Is(err, errcode.SignatureMismatch) {
		t.Errorf("GetState with wrong key: %v", err)
	}
}

func TestStateResolveRef(t *testing.T) {
	var checksum store.Checksum
	checksum[0] = 0xaa
	state := &State{
		Config: &Config{Name: "origin"},
		Summary: &Summary{Refs: map[string]SummaryRef{
			"app/org.example.X/x86_64/stable": {Checksum: checksum},
		}},
	}
	got, err := state.ResolveRef("app/org.example.X/x86_64/stable")
	if err != nil {
		t.Fatalf("ResolveRef failed: %v", err)
	}
	if got != checksum {
		t.Errorf("ResolveRef = %s", got.Short())
	}
	if _, err := state.ResolveRef("app/org.example.Missing/x86_64/stable"); !errcode.Is(err, errcode.InvalidRef) {
		t.Errorf("ResolveRef on unknown ref: %v", err)
	}
}

func TestListRemoteRefsSubset(t *testing.T) {
	summary := &Summary{
		Refs: map[string]SummaryRef{
			"app/org.example.A/x86_64/stable": {},
			"app/org.example.B/x86_64/stable": {},
		},
		Subsets: map[string][]string{
			"small": {"app/org.example.A/x86_64/stable"},
		},
	}
	payload, err := codec.Marshal(summary)
	if err != nil {
		t.Fatalf("marshalling summary: %v", err)
	}
	fetcher := &fakeFetcher{payload: payload}
	r := newTestRegistry(t, Options{Fetcher: fetcher})
	err = r.Add(&Config{Name: "origin", URL: "https://x/", Priority: 1, Subset: "small"}, nil, false)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	refs, err := r.ListRemoteRefs(context.Background(), "origin")
	if err != nil {
		t.Fatalf("ListRemoteRefs failed: %v", err)
	}
	if len(refs) != 1 || refs[0].Name != "app/org.example.A/x86_64/stable" {
		t.Errorf("subset refs = %+v", refs)
	}
}
