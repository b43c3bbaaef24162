package dataset

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// maxDownloadSize caps the decompressed dataset written to disk.
const maxDownloadSize = 64 * 1024 * 1024

// HTTPClient is used by EnsureDataset. Tests may replace it.
var HTTPClient = &http.Client{Timeout: 60 * time.Second}

// EnsureDataset checks if the dataset exists at path. If not, it downloads it
// from url, transparently decompressing gzip payloads.
func EnsureDataset(ctx context.Context, path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if url == "" {
		return fmt.Errorf("dataset not found at %s and no download URL configured", path)
	}
	return download(ctx, url, path)
}

func download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "carvision-cli")

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	body := bufio.NewReader(resp.Body)
	var src io.Reader = body
	// gzip magic; servers rarely label the CSV correctly
	if magic, err := body.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".dataset-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, io.LimitReader(src, maxDownloadSize+1))
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if n > maxDownloadSize {
		_ = tmp.Close()
		return fmt.Errorf("dataset exceeds %d bytes", maxDownloadSize)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), destPath)
}
