package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/lei/fletch-ci/internal/storage"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(filepath.Join(t.TempDir(), "bucket"), nil)
	work := t.TempDir()

	src := filepath.Join(work, "a.tar.bz2")
	os.WriteFile(src, []byte("payload"), 0o644)

	if ok, err := s.Exists(ctx, "a.tar.bz2"); err != nil || ok {
		t.Fatalf("Exists() before upload = %v, %v", ok, err)
	}
	if err := s.Upload(ctx, src, "a.tar.bz2"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if ok, err := s.Exists(ctx, "a.tar.bz2"); err != nil || !ok {
		t.Fatalf("Exists() after upload = %v, %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "a.tar.bz2.part")); !errors.Is(err, os.ErrNotExist) {
		t.Error("temporary upload file left behind")
	}

	if err := s.MakePublic(ctx, "a.tar.bz2"); err != nil {
		t.Fatalf("MakePublic() error = %v", err)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(filepath.Join(s.root, "a.tar.bz2"))
		if info.Mode().Perm() != 0o644 {
			t.Errorf("mode = %v, want 0644", info.Mode().Perm())
		}
	}

	dst := filepath.Join(work, "b.tar.bz2")
	if err := s.Download(ctx, "a.tar.bz2", dst); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "payload" {
		t.Errorf("downloaded = %q", data)
	}
}

func TestMissingObject(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir(), nil)
	dst := filepath.Join(t.TempDir(), "out")

	if err := s.Download(ctx, "missing", dst); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("Download() error = %v, want ErrObjectNotFound", err)
	}
	if _, err := os.Stat(dst); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed download left a local file")
	}
	if err := s.MakePublic(ctx, "missing"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("MakePublic() error = %v, want ErrObjectNotFound", err)
	}
}
