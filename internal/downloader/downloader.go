// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches dataset files over HTTP into a local cache directory.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Client used for downloads. Tests replace it to point to a local server.
var Client = &http.Client{
	CheckRedirect: func(r *http.Request, via []*http.Request) error {
		r.URL.Opaque = r.URL.Path
		return nil
	},
}

// progressWriter wraps an io.Writer and advances a progress bar as bytes are written.
// The bar counts in units large enough to keep it under ~1M ticks.
type progressWriter struct {
	w                           io.Writer
	bar                         *progressbar.ProgressBar
	written, unit, total, ticks int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, unit: 1}
	for contentLength > pw.unit*1024*1024 {
		pw.unit *= 1024
	}
	pw.total = (contentLength + pw.unit - 1) / pw.unit
	pw.bar = progressbar.NewOptions64(pw.total,
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.written += int64(n)
	if ticks := pw.written / pw.unit; ticks > pw.ticks {
		_ = pw.bar.Add64(ticks - pw.ticks)
		pw.ticks = ticks
	}
	return
}

func (pw *progressWriter) finish() {
	if pw.ticks < pw.total {
		_ = pw.bar.Add64(pw.total - pw.ticks)
	}
	_ = pw.bar.Close()
	fmt.Println()
}

// Download url into filePath, creating its directory if needed.
// The file is first written to filePath+".partial" and renamed once complete, so an
// interrupted download never leaves a truncated file under the final name.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	if err = os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	resp, err := Client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", url, resp.Status)
	}

	partialPath := filePath + ".partial"
	file, err := os.Create(partialPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", partialPath)
	}
	if showProgressBar && resp.ContentLength > 0 {
		pw := newProgressWriter(file, resp.ContentLength)
		size, err = io.Copy(pw, resp.Body)
		pw.finish()
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(partialPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, partialPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", partialPath)
	}
	if err = os.Rename(partialPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed renaming %q to %q", partialPath, filePath)
	}
	return size, nil
}

// DownloadIfMissing downloads url into filePath only if filePath doesn't exist yet.
//
// If checkHash is not empty, it must be the hex encoded SHA-256 of the file. On a mismatch the
// file is removed, so the next call downloads it again, and an error is returned.
func DownloadIfMissing(url, filePath, checkHash string) error {
	_, err := os.Stat(filePath)
	switch {
	case err == nil:
		klog.V(1).Infof("%q already present, skipping download", filePath)
	case os.IsNotExist(err):
		fmt.Printf("Downloading %s ...\n", url)
		if _, err = Download(url, filePath, true); err != nil {
			return err
		}
	default:
		return errors.Wrapf(err, "failed to stat %q", filePath)
	}
	if checkHash == "" {
		return nil
	}
	if err = fsutil.ValidateChecksum(filePath, checkHash); err != nil {
		return errors.WithMessagef(err, "downloaded from %q", url)
	}
	return nil
}
