package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
)

// minFreeSpace is the free space required on the archive volume before
// building a study ZIP.
const minFreeSpace = 1 << 30 // 1 GiB

// checkFreeSpace verifies the volume holding dir has at least
// minFreeSpace available.
func checkFreeSpace(dir string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to stat archive volume: %w", err)
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeSpace {
		return fmt.Errorf("%w: %d bytes free on %s", proxyerrors.ErrInsufficientSpace, free, dir)
	}
	return nil
}

// createZip packs every file below sourceDir into destPath. Entry names
// are relative to sourceDir's parent so the study directory itself is
// the top-level entry. An existing archive is overwritten.
func createZip(sourceDir, destPath string) (int64, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	base := filepath.Dir(sourceDir)

	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}

		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(entry, file)
		return err
	})
	if err != nil {
		zw.Close()
		return 0, fmt.Errorf("failed to build archive: %w", err)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return info.Size(), nil
}
