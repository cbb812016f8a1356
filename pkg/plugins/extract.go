package plugins

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// extractTarGz unpacks a gzipped tarball under destDir. Entries that
// would escape destDir are rejected.
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("extract %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("extract %s: %w", archivePath, err)
	}
	defer gz.Close()

	cleanDest := filepath.Clean(destDir)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("extract %s: read tar header: %w", archivePath, err)
		}
		if header.Name == "./" {
			continue
		}

		target := filepath.Join(cleanDest, header.Name)
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("extract %s: entry %s escapes destination", archivePath, header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("extract %s: %w", archivePath, err)
			}
		case tar.TypeReg:
			if err := extractTarFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("extract %s: %w", archivePath, err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("extract %s: %w", archivePath, err)
			}
		default:
			util.Warnf("extract: skipping unsupported tar entry type %d for %s", header.Typeflag, header.Name)
		}
	}
	return nil
}

func extractTarFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return f.Close()
}
