// Package cache downloads attachments referenced by inbound messages into
// a per-hub directory, so outgoing connectors can re-upload them to
// sibling platforms without re-fetching from the origin.
package cache

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache downloads attachments into one hub's cache directory,
// cache/<hub>/, named <platform>_<native-id>.<ext>.
type Cache struct {
	dir    string
	client *http.Client
}

// New creates a Cache rooted at dir, creating the directory if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %s: %w", dir, err)
	}
	return &Cache{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Download fetches url and writes it to <platform>_<nativeID>.<ext>, where
// ext is derived from the response's Content-Type header. Returns the
// local file path. Failures are the caller's to log-and-continue per
// spec's resource error semantics — Download itself just returns the
// error.
func (c *Cache) Download(ctx context.Context, url, platform, nativeID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("cache: build request for %s: %w", url, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("cache: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("cache: fetch %s: status %d", url, resp.StatusCode)
	}

	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	mimeType = strings.TrimSpace(mimeType)

	ext := extensionFor(mimeType)
	filename := fmt.Sprintf("%s_%s%s", platform, nativeID, ext)
	path := filepath.Join(c.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("cache: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", "", fmt.Errorf("cache: write %s: %w", path, err)
	}

	return path, mimeType, nil
}

// DownloadWithBearer is Download with an Authorization: Bearer header,
// used by connectors (Slack) whose file URLs require the bot token.
func (c *Cache) DownloadWithBearer(ctx context.Context, url, token, platform, nativeID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("cache: build request for %s: %w", url, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("cache: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("cache: fetch %s: status %d", url, resp.StatusCode)
	}

	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	mimeType = strings.TrimSpace(mimeType)

	ext := extensionFor(mimeType)
	filename := fmt.Sprintf("%s_%s%s", platform, nativeID, ext)
	path := filepath.Join(c.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("cache: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", "", fmt.Errorf("cache: write %s: %w", path, err)
	}

	return path, mimeType, nil
}

// Dir returns the cache's root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Sweep deletes files under the cache directory whose modification time is
// older than maxAge. Supplemental to spec.md: the original bygeon never
// pruned its cache directory, so this is new reliability behavior, not a
// change to any correspondence invariant. Best-effort: a single file's
// removal failure is logged by the caller (Sweep returns the first error
// only after attempting every file).
func (c *Cache) Sweep(maxAge time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-maxAge)
	entries, readErr := os.ReadDir(c.dir)
	if readErr != nil {
		return 0, fmt.Errorf("cache: read dir %s: %w", c.dir, readErr)
	}

	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, statErr := e.Info()
		if statErr != nil {
			if firstErr == nil {
				firstErr = statErr
			}
			continue
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(filepath.Join(c.dir, e.Name())); rmErr != nil {
				if firstErr == nil {
					firstErr = rmErr
				}
				continue
			}
			removed++
		}
	}
	return removed, firstErr
}

// extensionFor maps a MIME type to a file extension, falling back to
// mime.ExtensionsByType and finally ".bin" for unknown types.
func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
