package release

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var errBinaryMissing = errors.New("binary not found in archive")

// archiveFormat guesses the archive format from the download name.
func archiveFormat(name string) string {
	switch {
	case strings.HasSuffix(name, ".zip"):
		return "zip"
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(name, ".tar.zst"):
		return "tar.zst"
	default:
		return "raw"
	}
}

// ExtractBinary copies the file called binaryName out of the archive at src
// into dest, which is written atomically and made executable. A raw
// (non-archive) download is copied as-is.
func ExtractBinary(src, archiveName, binaryName, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	switch archiveFormat(archiveName) {
	case "zip":
		err = extractFromZip(src, binaryName, tmp)
	case "tar.gz":
		err = withFile(src, func(f *os.File) error {
			gz, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("opening gzip stream: %w", err)
			}
			defer gz.Close()
			return extractFromTar(gz, binaryName, tmp)
		})
	case "tar.zst":
		err = withFile(src, func(f *os.File) error {
			dec, err := zstd.NewReader(f)
			if err != nil {
				return fmt.Errorf("opening zstd stream: %w", err)
			}
			defer dec.Close()
			return extractFromTar(dec, binaryName, tmp)
		})
	default:
		err = withFile(src, func(f *os.File) error {
			_, err := io.Copy(tmp, f)
			return err
		})
	}
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0755); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

func withFile(name string, fn func(*os.File) error) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

func extractFromZip(src, binaryName string, out io.Writer) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !matchesBinary(f.Name, binaryName) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		return err
	}
	return fmt.Errorf("%w: %s", errBinaryMissing, binaryName)
}

func extractFromTar(r io.Reader, binaryName string, out io.Writer) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("%w: %s", errBinaryMissing, binaryName)
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !matchesBinary(hdr.Name, binaryName) {
			continue
		}
		_, err = io.Copy(out, tr)
		return err
	}
}

// matchesBinary accepts the binary at the archive root or inside a single
// top-level directory, and rejects any entry that tries to climb out.
func matchesBinary(entry, binaryName string) bool {
	clean := path.Clean(entry)
	if strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return false
	}
	if path.Base(clean) != binaryName {
		return false
	}
	return strings.Count(clean, "/") <= 1
}
