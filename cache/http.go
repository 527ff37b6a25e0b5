// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"neve.256lights.llc/substrate/nar"
	"neve.256lights.llc/substrate/storepath"
)

// HTTPBackend is a binary cache backed by a plain HTTP(S) endpoint:
// "<URL>/<hash>.narinfo" manifests and NAR blobs at "<URL>/" joined with
// the manifest's URL field (for pushes from [Cache], "<base name><ext>").
// Uploading requires the endpoint to accept PUT requests; servers that
// don't should register the backend as read-only.
type HTTPBackend struct {
	name       string
	base       string
	storeDir   storepath.Directory
	priority   int
	writable   bool
	httpClient *http.Client
}

// NewHTTPBackend returns a [Backend] that talks to the binary cache
// rooted at baseURL (no trailing slash).
func NewHTTPBackend(name, baseURL string, storeDir storepath.Directory, priority int, writable bool, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{
		name:       name,
		base:       strings.TrimSuffix(baseURL, "/"),
		storeDir:   storeDir,
		priority:   priority,
		writable:   writable,
		httpClient: client,
	}
}

func (h *HTTPBackend) Name() string   { return h.name }
func (h *HTTPBackend) Priority() int  { return h.priority }
func (h *HTTPBackend) Writable() bool { return h.writable }

func (h *HTTPBackend) Query(ctx context.Context, p storepath.Path) (*NARInfo, error) {
	url := fmt.Sprintf("%s/%s.narinfo", h.base, p.ShortHex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	info := new(NARInfo)
	if err := info.UnmarshalText(data, h.storeDir); err != nil {
		return nil, fmt.Errorf("GET %s: %v", url, err)
	}
	return info, nil
}

func (h *HTTPBackend) FetchNAR(ctx context.Context, info *NARInfo) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s", h.base, info.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp.Body, nil
}

func (h *HTTPBackend) Push(ctx context.Context, info *NARInfo, sourceDir string) error {
	if !h.writable {
		return fmt.Errorf("http cache %s is not writable", h.name)
	}

	var narBuf bytes.Buffer
	cw, err := compressWriter(&narBuf, info.Compression)
	if err != nil {
		return err
	}
	if err := nar.DumpPath(cw, sourceDir); err != nil {
		return err
	}
	if err := cw.Close(); err != nil {
		return err
	}

	if err := h.put(ctx, fmt.Sprintf("%s/%s", h.base, info.URL), narBuf.Bytes()); err != nil {
		return err
	}

	manifest, err := info.MarshalText()
	if err != nil {
		return err
	}
	return h.put(ctx, fmt.Sprintf("%s/%s.narinfo", h.base, info.StorePath.ShortHex()), manifest)
}

func (h *HTTPBackend) put(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("PUT %s: %s", url, resp.Status)
	}
	return nil
}
