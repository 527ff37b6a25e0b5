// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// compressWriter wraps w so that writes are compressed per c. Callers
// must Close the returned writer to flush trailing compressor state;
// closing it does not close w.
func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Xz:
		return xz.NewWriter(w)
	case Zstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("cache: unknown compression %q", c)
	}
}

// decompressReader wraps r so that reads are decompressed per c.
func decompressReader(r io.Reader, c Compression) (io.Reader, error) {
	switch c {
	case None:
		return r, nil
	case Gzip:
		return gzip.NewReader(r)
	case Xz:
		return xz.NewReader(r)
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("cache: unknown compression %q", c)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
