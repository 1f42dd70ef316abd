package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDownload_WritesFileWithMimeExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	path, mimeType, err := c.Download(context.Background(), srv.URL, "Discord", "123")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if mimeType != "image/png" {
		t.Errorf("mimeType = %q, want %q", mimeType, "image/png")
	}
	if filepath.Base(path) != "Discord_123.png" {
		t.Errorf("path = %q, want basename %q", path, "Discord_123.png")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Errorf("file contents = %q, want %q", data, "fake-png-bytes")
	}
}

func TestDownload_UnknownMimeType_FallsBackToBin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-totally-unknown")
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	path, _, err := c.Download(context.Background(), srv.URL, "Slack", "ts-1")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if filepath.Base(path) != "Slack_ts-1.bin" {
		t.Errorf("path = %q, want basename %q", path, "Slack_ts-1.bin")
	}
}

func TestDownload_NonSuccessStatus_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, _, err := c.Download(context.Background(), srv.URL, "Discord", "404"); err == nil {
		t.Fatal("Download() error = nil, want error for 404 response")
	}
}

func TestDownloadWithBearer_SetsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpg"))
	}))
	defer srv.Close()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, _, err := c.DownloadWithBearer(context.Background(), srv.URL, "xoxb-token", "Slack", "f1"); err != nil {
		t.Fatalf("DownloadWithBearer() error = %v", err)
	}
	if gotAuth != "Bearer xoxb-token" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer xoxb-token")
	}
}

func TestSweep_RemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	oldPath := filepath.Join(dir, "old.png")
	newPath := filepath.Join(dir, "new.png")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := c.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old.png should have been removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("new.png should still exist")
	}
}

func TestNextCronDuration_InvalidExpr_ReturnsZero(t *testing.T) {
	if d := nextCronDuration("not a cron expr"); d != 0 {
		t.Errorf("nextCronDuration() = %v, want 0 for invalid expression", d)
	}
}

func TestNextCronDuration_ValidExpr_ReturnsPositive(t *testing.T) {
	if d := nextCronDuration("* * * * *"); d <= 0 {
		t.Errorf("nextCronDuration() = %v, want > 0", d)
	}
}
