package artifact

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// unpackOnce extracts a verified archive next to itself, into
// "<archive>.unpacked/", returning the unpacked directory. Extraction goes
// to a temporary directory first and is committed with a rename, so a
// crash mid-extract never leaves a half-unpacked directory that later
// readers would mistake for a complete one. Already-unpacked archives are
// returned as-is — artifacts are immutable after commit.
func (s *Store) unpackOnce(archivePath string) (string, error) {
	dest := archivePath + ".unpacked"
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	tmp := dest + ".part"
	if err := removeAllQuiet(tmp); err != nil {
		return "", err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir %s: %w", tmp, err)
	}
	var err error
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		err = unpackZip(archivePath, tmp)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		err = unpackTar(archivePath, tmp, true)
	case strings.HasSuffix(archivePath, ".tar"):
		err = unpackTar(archivePath, tmp, false)
	default:
		err = fmt.Errorf("artifact: unsupported archive format %q", filepath.Base(archivePath))
	}
	if err != nil {
		_ = removeAllQuiet(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = removeAllQuiet(tmp)
		return "", fmt.Errorf("artifact: commit unpacked %s: %w", dest, err)
	}
	return dest, nil
}

// securePath rejects entries that would escape dest (zip-slip).
func securePath(dest, name string) (string, error) {
	p := filepath.Join(dest, name)
	if !strings.HasPrefix(p, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("artifact: archive entry %q escapes extraction directory", name)
	}
	return p, nil
}

func unpackZip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("artifact: open zip %s: %w", archivePath, err)
	}
	defer r.Close()
	for _, f := range r.File {
		p, err := securePath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm())
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return fmt.Errorf("artifact: extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func unpackTar(archivePath, dest string, gzipped bool) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("artifact: open tar %s: %w", archivePath, err)
	}
	defer f.Close()
	var reader io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("artifact: open gzip %s: %w", archivePath, err)
		}
		defer gz.Close()
		reader = gz
	}
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("artifact: read tar %s: %w", archivePath, err)
		}
		p, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			dst, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(dst, tr); err != nil {
				dst.Close()
				return fmt.Errorf("artifact: extract %s: %w", hdr.Name, err)
			}
			dst.Close()
		}
	}
}
