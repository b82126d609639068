// Package local stores archives in a directory shared between hosts, such
// as an NFS mount.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lei/fletch-ci/internal/storage"
	"github.com/lei/fletch-ci/pkg/logger"
)

const backend = "file"

// Store implements storage.Store on the local filesystem
type Store struct {
	root   string
	logger *logger.Logger
}

// New creates a store rooted at dir
func New(dir string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{root: dir, logger: log}
}

// Upload implements storage.Store. The object appears atomically.
func (s *Store) Upload(ctx context.Context, src, key string) error {
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	s.logger.Info("uploading object", "url", storage.URL(backend, s.root, key))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return s.wrap("upload", key, err)
	}
	tmp := dst + ".part"
	if err := copyFile(ctx, src, tmp, 0o600); err != nil {
		os.Remove(tmp)
		return s.wrap("upload", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return s.wrap("upload", key, err)
	}
	return nil
}

// Download implements storage.Store
func (s *Store) Download(ctx context.Context, key, dst string) error {
	s.logger.Info("downloading object", "url", storage.URL(backend, s.root, key))
	if err := copyFile(ctx, filepath.Join(s.root, filepath.FromSlash(key)), dst, 0o644); err != nil {
		os.Remove(dst)
		return s.wrap("download", key, err)
	}
	return nil
}

// MakePublic makes the file world readable
func (s *Store) MakePublic(ctx context.Context, key string) error {
	if err := os.Chmod(filepath.Join(s.root, filepath.FromSlash(key)), 0o644); err != nil {
		return s.wrap("make public", key, err)
	}
	return nil
}

// Exists implements storage.Store
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(key)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, s.wrap("exists", key, err)
	}
}

func (s *Store) wrap(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("%w: %v", storage.ErrObjectNotFound, err)
	}
	return &storage.StoreError{Op: op, Backend: backend, Key: key, Err: err}
}

func copyFile(ctx context.Context, src, dst string, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
