// Package archive packs build output into a compressed tarball and unpacks
// it on another host.
package archive

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// NamePrefix starts every cross-build archive name
const NamePrefix = "fletch_cross_build"

// excludedDirs hold intermediate object files that the target host never
// needs
var excludedDirs = map[string]bool{
	"obj":        true,
	"obj.host":   true,
	"obj.target": true,
}

// Name returns the archive file name for an architecture and revision
func Name(arch, revision string, codec Codec) string {
	return fmt.Sprintf("%s_%s_%s%s", NamePrefix, arch, revision, codec.Extension())
}

// Pack writes the tree rooted at base/dir to dst. Entry names are slash
// separated and relative to base, so unpacking in a checkout recreates
// dir. Directories named obj, obj.host or obj.target are skipped at any
// depth. A partially written dst is removed on failure.
func Pack(ctx context.Context, base, dir, dst string, codec Codec) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close archive: %w", closeErr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	cw, err := codec.newWriter(f)
	if err != nil {
		return fmt.Errorf("create %s writer: %w", codec, err)
	}
	tw := tar.NewWriter(cw)

	root := filepath.Join(base, dir)
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && p != root && excludedDirs[d.Name()] {
			return filepath.SkipDir
		}
		return addEntry(tw, base, p, d)
	})
	if walkErr != nil {
		cw.Close()
		return fmt.Errorf("pack %s: %w", dir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("finish %s stream: %w", codec, err)
	}
	return nil
}

func addEntry(tw *tar.Writer, base, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(tw, src)
	return err
}

// Unpack extracts the archive at src into dst. Entries that would land
// outside dst, directly or through a symlink extracted earlier, are
// rejected.
func Unpack(ctx context.Context, src, dst string, codec Codec) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	root, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}

	cr, err := codec.newReader(f)
	if err != nil {
		return fmt.Errorf("create %s reader: %w", codec, err)
	}
	defer cr.Close()

	tr := tar.NewReader(cr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		if err := extractEntry(tr, hdr, dst, root); err != nil {
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
	}
}

// extractEntry writes one entry below dst. root is dst with symlinks
// resolved.
func extractEntry(tr *tar.Reader, hdr *tar.Header, dst, root string) error {
	target, err := safeJoin(dst, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := resolvesInside(root, target); err != nil {
			return err
		}
		return os.MkdirAll(target, dirMode(hdr))

	case tar.TypeReg:
		if err := resolvesInside(root, filepath.Dir(target)); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := refuseSymlink(target); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()

	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("absolute symlink target %q", hdr.Linkname)
		}
		if _, err := safeJoin(dst, path.Join(path.Dir(hdr.Name), hdr.Linkname)); err != nil {
			return err
		}
		if err := resolvesInside(root, filepath.Dir(target)); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
		// Earlier links can make a harmless looking target escape
		if err := resolvesInside(root, target); err != nil {
			os.Remove(target)
			return err
		}
		return nil

	default:
		// Build output has no devices or fifos.
		return nil
	}
}

func safeJoin(dst, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "\\") || path.IsAbs(name) || hasDotDot(name) {
		return "", fmt.Errorf("illegal path %q", name)
	}
	return filepath.Join(dst, filepath.FromSlash(clean[1:])), nil
}

// resolvesInside checks that the deepest existing ancestor of p, with all
// symlinks resolved, lies within root
func resolvesInside(root, p string) error {
	for cur := p; ; cur = filepath.Dir(cur) {
		resolved, err := filepath.EvalSymlinks(cur)
		if errors.Is(err, fs.ErrNotExist) {
			if parent := filepath.Dir(cur); parent != cur {
				continue
			}
		}
		if err != nil {
			return err
		}
		if !within(root, resolved) {
			return fmt.Errorf("path %q resolves outside the destination", p)
		}
		return nil
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// refuseSymlink fails when p is an existing symlink, which os.OpenFile and
// os.MkdirAll would follow
func refuseSymlink(p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("refusing to write through symlink %q", p)
	}
	return nil
}

func hasDotDot(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o755
	}
	return mode
}

// Digest returns the hex BLAKE3 digest of the file at p
func Digest(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open for digest: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
