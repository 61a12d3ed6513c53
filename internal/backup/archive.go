package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// Archive compresses srcDir into a zip file at dst. Entry names are
// relative to srcDir's parent so the archive unpacks into a single
// top-level directory. progress, if non-nil, is called after each file
// with (filesDone, filesTotal). Returns the archive size in bytes.
func Archive(dst, srcDir string, progress func(done, total int)) (int64, error) {
	base := filepath.Dir(srcDir)

	total := 0
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			total++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", srcDir, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	done := 0
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		if addErr := addFile(zw, path, filepath.ToSlash(rel)); addErr != nil {
			// A file vanishing mid-walk (session locks, rotating logs)
			// should not abort the whole backup. Anything else means a
			// truncated archive, so surface it.
			if os.IsNotExist(addErr) {
				return nil
			}
			return fmt.Errorf("add %s: %w", rel, addErr)
		}
		done++
		if progress != nil {
			progress(done, total)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		out.Close()
		return 0, fmt.Errorf("archive %s: %w", srcDir, err)
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
