// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package fetch implements the Fetcher: acquiring bytes from a URL, a
// local path, or a Git repository, verifying them against an expected
// hash, and caching the result by content hash.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/nar"
)

// HashMismatchError reports that fetched content did not hash to the
// caller's expected value.
type HashMismatchError struct {
	Source   string
	Expected digest.Hash
	Actual   digest.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("fetch %s: hash mismatch: expected %s, got %s", e.Source, e.Expected, e.Actual)
}

// Source is the union of ways to acquire content. Exactly one of URL,
// Path, or Git should be set.
type Source struct {
	// URL fetches bytes via HTTP GET.
	URL string
	// Path reads bytes from a local filesystem path.
	Path string
	// Git clones a repository and checks out Rev.
	Git string
	Rev string

	// Name, if set, is used as the display name of the cached entry.
	// It has no effect on the content hash.
	Name string
	// Hash, if non-null, is the expected content hash. Fetch fails with
	// [HashMismatchError] if the acquired content hashes to anything
	// else.
	Hash digest.Hash
}

// Result is the outcome of a successful fetch.
type Result struct {
	// FSPath is the filesystem path of the cached, verified content.
	FSPath string
	// Hash is the content's actual hash.
	Hash digest.Hash
	// Cached reports whether the content was already present in the
	// cache (true) or freshly acquired (false).
	Cached bool
}

// Fetcher acquires content from [Source] values, verifying and caching it
// under CacheDir, keyed by content hash.
type Fetcher struct {
	// CacheDir is the root directory under which fetched content is
	// cached, keyed by hash: "<cache>/<hash-prefix>/<full-hex>-<name>".
	CacheDir string
	// HTTPClient is used for URL sources. http.DefaultClient is used if
	// nil.
	HTTPClient *http.Client

	group singleflight.Group
}

func (f *Fetcher) client() *http.Client {
	if f.HTTPClient == nil {
		return http.DefaultClient
	}
	return f.HTTPClient
}

func (f *Fetcher) cachePath(h digest.Hash, name string) string {
	prefix := h.Base16()[:2]
	base := h.Base16() + "-" + name
	if name == "" {
		base = h.Base16()
	}
	return filepath.Join(f.CacheDir, prefix, base)
}

// Fetch acquires src, verifies it, and returns its cached location.
//
// Concurrent fetches of the same expected hash are deduplicated: only one
// underlying acquisition runs at a time for a given cache key, and all
// callers observe the same result.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (Result, error) {
	name := src.Name
	if !src.Hash.IsNull() {
		if cached := f.cachePath(src.Hash, name); pathExists(cached) {
			return Result{FSPath: cached, Hash: src.Hash, Cached: true}, nil
		}
	}

	key := src.URL + "\x00" + src.Path + "\x00" + src.Git + "\x00" + src.Rev + "\x00" + src.Hash.Base16()
	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.fetchUncached(ctx, src)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (f *Fetcher) fetchUncached(ctx context.Context, src Source) (Result, error) {
	staging, err := os.MkdirTemp(f.CacheDir, ".staging-*")
	if err != nil {
		return Result{}, fmt.Errorf("fetch: %v", err)
	}
	defer os.RemoveAll(staging)

	var h digest.Hash
	var stagedPath string
	switch {
	case src.URL != "":
		stagedPath = filepath.Join(staging, "content")
		if err := fetchURL(ctx, f.client(), src.URL, stagedPath); err != nil {
			return Result{}, fmt.Errorf("fetch %s: %v", src.URL, err)
		}
		data, err := os.ReadFile(stagedPath)
		if err != nil {
			return Result{}, fmt.Errorf("fetch %s: %v", src.URL, err)
		}
		h = digest.Of(data)
	case src.Path != "":
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return Result{}, fmt.Errorf("fetch %s: %v", src.Path, err)
		}
		stagedPath = filepath.Join(staging, "content")
		if err := os.WriteFile(stagedPath, data, 0o644); err != nil {
			return Result{}, fmt.Errorf("fetch %s: %v", src.Path, err)
		}
		h = digest.Of(data)
	case src.Git != "":
		stagedPath = filepath.Join(staging, "repo")
		if err := fetchGit(ctx, src.Git, src.Rev, stagedPath); err != nil {
			return Result{}, fmt.Errorf("fetch %s@%s: %v", src.Git, src.Rev, err)
		}
		if err := os.RemoveAll(filepath.Join(stagedPath, ".git")); err != nil {
			return Result{}, fmt.Errorf("fetch %s@%s: %v", src.Git, src.Rev, err)
		}
		var size int64
		h, size, err = nar.HashPath(stagedPath)
		if err != nil {
			return Result{}, fmt.Errorf("fetch %s@%s: %v", src.Git, src.Rev, err)
		}
		_ = size
	default:
		return Result{}, fmt.Errorf("fetch: no source specified")
	}

	if !src.Hash.IsNull() && !src.Hash.Equal(h) {
		return Result{}, &HashMismatchError{
			Source:   sourceDescription(src),
			Expected: src.Hash,
			Actual:   h,
		}
	}

	dst := f.cachePath(h, src.Name)
	if pathExists(dst) {
		return Result{FSPath: dst, Hash: h, Cached: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, fmt.Errorf("fetch: %v", err)
	}
	if err := os.Rename(stagedPath, dst); err != nil {
		// Another concurrent fetch may have staged an identical copy
		// first; since the cache key is purely content-addressed, a
		// pre-existing destination with the same hash is not an error.
		if pathExists(dst) {
			return Result{FSPath: dst, Hash: h, Cached: true}, nil
		}
		return Result{}, fmt.Errorf("fetch: move into cache: %v", err)
	}
	return Result{FSPath: dst, Hash: h, Cached: false}, nil
}

func sourceDescription(src Source) string {
	switch {
	case src.URL != "":
		return src.URL
	case src.Path != "":
		return src.Path
	case src.Git != "":
		return src.Git + "@" + src.Rev
	default:
		return "<unknown>"
	}
}

func pathExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func fetchURL(ctx context.Context, client *http.Client, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %s", resp.Status)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func fetchGit(ctx context.Context, url, rev, dst string) error {
	repo, err := git.PlainCloneContext(ctx, dst, false, &git.CloneOptions{
		URL:   url,
		Depth: 0,
	})
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	hash, err := resolveRevision(repo, rev)
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{
		Hash: hash,
	})
}

func resolveRevision(repo *git.Repository, rev string) (plumbing.Hash, error) {
	h, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}
