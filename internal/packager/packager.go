package packager

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ccs_harvester/internal/assets"
	"ccs_harvester/internal/models"
)

// PackagingError is an I/O failure writing the canonical output. It is
// retryable up to the task's attempt ceiling.
type PackagingError struct {
	Path string
	Err  error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("packaging %s: %v", e.Path, e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// Packager normalizes validated downloads into the canonical layout
// under Root. All writes go to a temp path in the target directory
// first and are renamed into place, so a crash mid-write never leaves a
// partial file at the canonical path.
type Packager struct {
	Root string
}

// CanonicalPath returns the absolute target path for a (product, kind)
// pair. srcPath is only consulted for the image extension.
func (p *Packager) CanonicalPath(code string, kind models.AssetKind, srcPath string) string {
	return filepath.Join(p.Root, filepath.FromSlash(assets.RelPath(code, kind, filepath.Ext(srcPath))))
}

// Package moves a validated download to its canonical path. Archive
// kinds that were not delivered as a zip are wrapped into a fresh zip
// container preserving the original internal filename; deliveries that
// already are zips are moved as-is rather than double-wrapped.
func (p *Packager) Package(srcPath, code string, kind models.AssetKind) (string, error) {
	target := p.CanonicalPath(code, kind, srcPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", &PackagingError{Path: target, Err: err}
	}

	if assets.Lookup(kind).Archive && !isZip(srcPath) {
		if err := p.wrapZip(srcPath, target); err != nil {
			return "", err
		}
		return target, nil
	}

	if err := p.place(srcPath, target); err != nil {
		return "", err
	}
	return target, nil
}

func isZip(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

// place copies src to a temp file next to target and renames it into
// place. Rename within one directory is atomic on POSIX filesystems.
func (p *Packager) place(src, target string) error {
	in, err := os.Open(src)
	if err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".harvest-*")
	if err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return &PackagingError{Path: target, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PackagingError{Path: target, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	return nil
}

// wrapZip builds a zip at target containing src under its original
// filename, via the same temp-and-rename dance as place.
func (p *Packager) wrapZip(src, target string) error {
	in, err := os.Open(src)
	if err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".harvest-*")
	if err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	entry, err := zw.Create(filepath.Base(src))
	if err != nil {
		tmp.Close()
		return &PackagingError{Path: target, Err: err}
	}
	if _, err := io.Copy(entry, in); err != nil {
		tmp.Close()
		return &PackagingError{Path: target, Err: err}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return &PackagingError{Path: target, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PackagingError{Path: target, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return &PackagingError{Path: target, Err: err}
	}
	return nil
}
