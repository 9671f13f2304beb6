package pack

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"extpack/internal/model"
)

// Matcher decides whether a file, identified by its slash-separated path
// relative to the source root, is left out of the archive.
type Matcher interface {
	Match(relativePath string) bool
}

// PackageOptions tune a single packaging run.
type PackageOptions struct {
	// Level is the deflate compression level.
	Level int
	// Exclude drops matching files. Nil includes every regular file.
	Exclude Matcher
}

// PackageResult describes a finished packaging run.
type PackageResult struct {
	RunID   string
	Source  string
	Output  string
	Entries int
	Size    int64
}

// PackService packages directories into zip archives and, optionally,
// records the runs and publishes the archives to a vault.
// database, vault and encryptor may be nil; the matching features are then off.
type PackService struct {
	fsmgr     FilesystemManager
	database  Database
	vault     Vault
	encryptor Encryptor
	logger    Logger
	clock     Clock
	ids       IDGenerator
}

// NewPackService creates a new PackService with the provided dependencies.
func NewPackService(fsmgr FilesystemManager, database Database, vault Vault, encryptor Encryptor, logger Logger, clock Clock, ids IDGenerator) *PackService {
	return &PackService{
		fsmgr:     fsmgr,
		database:  database,
		vault:     vault,
		encryptor: encryptor,
		logger:    logger,
		clock:     clock,
		ids:       ids,
	}
}

// Package writes every regular file under source into a deflate-compressed
// zip archive at output, each stored under its slash-separated path relative
// to source. output must be absolute; its parent directories are created and
// an existing file is overwritten.
//
// If source is not a directory, Package returns an error wrapping
// ErrSourceNotFound before anything is written. Any I/O error aborts the run
// and may leave a partially written archive behind.
func (s *PackService) Package(source *Path, output string, opts PackageOptions) (*PackageResult, error) {
	if !source.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, source.String())
	}
	if !filepath.IsAbs(output) {
		return nil, fmt.Errorf("output path must be absolute: %s", output)
	}

	zw, err := NewZipWriter(s.fsmgr, opts.Level)
	if err != nil {
		return nil, err
	}

	run := &model.PackageRun{
		ID:        s.ids.New(),
		Source:    source.String(),
		Output:    output,
		Status:    model.StatusRunning,
		StartedAt: s.clock.Now(),
	}
	if s.database != nil {
		if err := s.database.CreatePackageRun(run); err != nil {
			return nil, fmt.Errorf("recording package run: %w", err)
		}
	}

	s.logger.Info("packaging", "run", run.ID, "source", run.Source, "output", output)

	result, err := s.writeArchive(source, output, opts, zw)
	if err != nil {
		s.logger.Error("packaging failed", "run", run.ID, "error", err)
		return nil, errors.Join(err, s.finishRun(run.ID, model.StatusError, 0, 0))
	}

	result.RunID = run.ID
	s.logger.Info("packaged", "run", run.ID, "entries", result.Entries, "size", result.Size)
	if err := s.finishRun(run.ID, model.StatusSuccess, result.Entries, result.Size); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PackService) writeArchive(source *Path, output string, opts PackageOptions, zw *ZipWriter) (*PackageResult, error) {
	entries, err := s.collectEntries(source, output, opts.Exclude)
	if err != nil {
		return nil, err
	}

	f, err := s.fsmgr.Create(output)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	cw := &countingWriter{w: f}
	n, err := zw.Write(cw, entries)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing archive: %w", cerr)
	}
	if err != nil {
		return nil, err
	}

	return &PackageResult{
		Source:  source.String(),
		Output:  output,
		Entries: n,
		Size:    cw.n,
	}, nil
}

// collectEntries lists the files to archive. The output file is skipped when
// it lives inside the source tree so a rerun never archives its own result.
func (s *PackService) collectEntries(source *Path, output string, exclude Matcher) ([]Entry, error) {
	files, err := s.fsmgr.FindFiles(source)
	if err != nil {
		return nil, fmt.Errorf("listing files in %s: %w", source.String(), err)
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if f.String() == output {
			s.logger.Debug("skipping output archive", "path", output)
			continue
		}
		name, err := EntryName(source.String(), f.String())
		if err != nil {
			return nil, err
		}
		if exclude != nil && exclude.Match(name) {
			s.logger.Debug("excluded", "entry", name)
			continue
		}
		entries = append(entries, Entry{Name: name, File: f})
	}
	return entries, nil
}

func (s *PackService) finishRun(id, status string, entries int, size int64) error {
	if s.database == nil {
		return nil
	}
	if err := s.database.FinishPackageRun(id, status, entries, size, s.clock.Now()); err != nil {
		s.logger.Warn("failed to finish package run", "run", id, "error", err)
		return fmt.Errorf("finishing package run: %w", err)
	}
	return nil
}

// Publish streams a packaged archive into the vault under name, encrypting
// it on the way when an encryptor is configured. Encrypted uploads are sent
// with UnknownSize.
func (s *PackService) Publish(result *PackageResult, name string) error {
	if s.vault == nil {
		return fmt.Errorf("no vault configured")
	}
	if name == "" {
		return fmt.Errorf("archive name must not be empty")
	}

	archive, err := s.fsmgr.Resolve(result.Output)
	if err != nil {
		return fmt.Errorf("resolving archive: %w", err)
	}
	f, err := s.fsmgr.Open(archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	if s.encryptor == nil {
		if err := s.vault.PutArchive(name, f, archive.Info().Size()); err != nil {
			return fmt.Errorf("uploading archive %s: %w", name, err)
		}
	} else if err := s.putEncrypted(name, f); err != nil {
		return err
	}
	s.logger.Info("published", "run", result.RunID, "name", name, "encrypted", s.encryptor != nil)

	if s.database != nil && result.RunID != "" {
		if err := s.database.SetPublished(result.RunID, name); err != nil {
			return fmt.Errorf("recording publication: %w", err)
		}
	}
	return nil
}

// putEncrypted pipes the ciphertext of r straight into the vault.
func (s *PackService) putEncrypted(name string, r io.Reader) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := s.encryptor.Encrypt(r, pw)
		pw.CloseWithError(err)
		done <- err
	}()

	putErr := s.vault.PutArchive(name, pr, UnknownSize)
	// Unblocks the encryptor if the vault stopped reading early.
	pr.Close()
	if encErr := <-done; encErr != nil && !errors.Is(encErr, io.ErrClosedPipe) {
		return fmt.Errorf("encrypting archive: %w", encErr)
	}
	if putErr != nil {
		return fmt.Errorf("uploading archive %s: %w", name, putErr)
	}
	return nil
}

// Fetch writes the archive published under name to w. When dec is non-nil
// the stored bytes are decrypted as they are downloaded.
func (s *PackService) Fetch(name string, w io.Writer, dec DecryptionContext) error {
	if s.vault == nil {
		return fmt.Errorf("no vault configured")
	}

	ok, err := s.vault.HasArchive(name)
	if err != nil {
		return fmt.Errorf("checking archive %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("archive not found in vault: %s", name)
	}

	if dec == nil {
		if err := s.vault.GetArchive(name, w); err != nil {
			return fmt.Errorf("downloading archive %s: %w", name, err)
		}
		return nil
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := s.vault.GetArchive(name, pw)
		pw.CloseWithError(err)
		done <- err
	}()

	decErr := dec.Decrypt(pr, w)
	pr.Close()
	if getErr := <-done; getErr != nil && !errors.Is(getErr, io.ErrClosedPipe) {
		return fmt.Errorf("downloading archive %s: %w", name, getErr)
	}
	if decErr != nil {
		return fmt.Errorf("decrypting archive %s: %w", name, decErr)
	}
	return nil
}

// History returns the most recent packaging runs, newest first.
func (s *PackService) History(limit int) ([]*model.PackageRun, error) {
	if s.database == nil {
		return nil, fmt.Errorf("no history database configured")
	}
	runs, err := s.database.ListPackageRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("listing package runs: %w", err)
	}
	return runs, nil
}

// countingWriter tracks how many bytes reach the archive file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
