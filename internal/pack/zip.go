package pack

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Entry is one file to be stored in the archive.
type Entry struct {
	// Name is the archive entry name: the path relative to the source root,
	// always using forward slashes.
	Name string
	// File is the source file the entry's bytes are read from.
	File *Path
}

// EntryName returns the archive name for file under root: the relative
// path with the host separator replaced by '/'.
func EntryName(root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", fmt.Errorf("computing relative path for %s: %w", file, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not inside %s", file, root)
	}
	return filepath.ToSlash(rel), nil
}

// ZipWriter writes entries into a deflate-compressed zip archive.
type ZipWriter struct {
	fsmgr FilesystemManager
	level int
}

// NewZipWriter creates a ZipWriter. level is a flate compression level
// (flate.DefaultCompression, or flate.NoCompression through flate.BestCompression).
// flate.HuffmanOnly is rejected.
func NewZipWriter(fsmgr FilesystemManager, level int) (*ZipWriter, error) {
	if level < flate.DefaultCompression || level > flate.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", level)
	}
	return &ZipWriter{fsmgr: fsmgr, level: level}, nil
}

// Write streams every entry into a zip archive on w, in order. The zip
// writer is closed before returning, even on error, so the central directory
// is flushed whenever possible. Returns the number of entries written.
func (z *ZipWriter) Write(w io.Writer, entries []Entry) (n int, err error) {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, z.level)
	})
	defer func() {
		if cerr := zw.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("finalizing archive: %w", cerr)
		}
	}()

	for _, e := range entries {
		if err := z.writeEntry(zw, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (z *ZipWriter) writeEntry(zw *zip.Writer, e Entry) error {
	header := &zip.FileHeader{
		Name:   e.Name,
		Method: zip.Deflate,
	}
	if info := e.File.Info(); info != nil {
		header.Modified = info.ModTime()
		header.SetMode(info.Mode())
	}

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("creating entry %s: %w", e.Name, err)
	}

	src, err := z.fsmgr.Open(e.File)
	if err != nil {
		return fmt.Errorf("opening %s: %w", e.File.String(), err)
	}
	defer src.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("writing entry %s: %w", e.Name, err)
	}
	return nil
}
