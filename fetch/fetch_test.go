// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"neve.256lights.llc/substrate/digest"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return &Fetcher{CacheDir: t.TempDir()}
}

func TestFetchPathSource(t *testing.T) {
	f := newTestFetcher(t)
	src := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.Fetch(context.Background(), Source{Path: src, Name: "data.txt"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Cached {
		t.Error("first fetch reported Cached = true")
	}
	got, err := os.ReadFile(res.FSPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("fetched content = %q, want %q", got, "hello world")
	}
	if !res.Hash.Equal(digest.Of([]byte("hello world"))) {
		t.Errorf("fetched hash = %v, want %v", res.Hash, digest.Of([]byte("hello world")))
	}
}

func TestFetchHashMismatch(t *testing.T) {
	f := newTestFetcher(t)
	src := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	wrongHash := digest.Of([]byte("something else"))
	_, err := f.Fetch(context.Background(), Source{Path: src, Hash: wrongHash})
	if err == nil {
		t.Fatal("Fetch did not report a hash mismatch")
	}
	var mismatch *HashMismatchError
	if !asHashMismatch(err, &mismatch) {
		t.Errorf("error = %v, want *HashMismatchError", err)
	}
}

func TestFetchURLSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("served content"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), Source{URL: srv.URL, Name: "download"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(res.FSPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "served content" {
		t.Errorf("fetched content = %q, want %q", got, "served content")
	}
}

func TestFetchCachedOnSecondCall(t *testing.T) {
	f := newTestFetcher(t)
	src := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := digest.Of([]byte("hello world"))

	if _, err := f.Fetch(context.Background(), Source{Path: src, Hash: h}); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	res, err := f.Fetch(context.Background(), Source{Path: src, Hash: h})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if !res.Cached {
		t.Error("second fetch of same hash reported Cached = false")
	}
}

func asHashMismatch(err error, target **HashMismatchError) bool {
	e, ok := err.(*HashMismatchError)
	if !ok {
		return false
	}
	*target = e
	return true
}
