// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloadIfMissing(t *testing.T) {
	content := []byte("not really an idx file")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "file.gz")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	require.NoError(t, DownloadIfMissing(server.URL+"/file.gz", target, hash))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.NoFileExists(t, target+".partial")

	// Second call must not hit the server.
	require.NoError(t, DownloadIfMissing(server.URL+"/file.gz", target, ""))
	require.Equal(t, int32(1), hits.Load())


	// A checksum mismatch removes the file, and the following call downloads it again.
	require.Error(t, DownloadIfMissing(server.URL+"/file.gz", target, "00"))
	require.NoFileExists(t, target)
	require.NoError(t, DownloadIfMissing(server.URL+"/file.gz", target, hash))
	require.Equal(t, int32(2), hits.Load())
}

func TestDownloadHTTPError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	target := filepath.Join(t.TempDir(), "missing.gz")
	_, err := Download(server.URL+"/missing.gz", target, false)
	require.Error(t, err)
	require.NoFileExists(t, target)
}
