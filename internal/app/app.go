package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"extpack/internal/config"
	"extpack/internal/database"
	"extpack/internal/encryption"
	extfs "extpack/internal/fs"
	"extpack/internal/model"
	"extpack/internal/pack"
	"extpack/internal/vault"
)

// SourceNotFoundError reports a source directory that does not exist or is
// not a directory. It unwraps to pack.ErrSourceNotFound.
type SourceNotFoundError struct {
	Path string
}

func (e *SourceNotFoundError) Error() string {
	return "Extension directory not found: " + e.Path
}

func (e *SourceNotFoundError) Unwrap() error {
	return pack.ErrSourceNotFound
}

// Options configure a single CLI invocation.
type Options struct {
	// Operation names the CLI command being run (e.g. "Package", "Fetch").
	Operation string
	// Verbose lowers the stderr log threshold from WARN to DEBUG.
	Verbose bool
	// Stderr receives console log records. Defaults to os.Stderr.
	Stderr io.Writer
}

// PackageOptions are per-invocation overrides of the [archive] config.
type PackageOptions struct {
	// Level replaces archive.level when non-nil.
	Level *int
	// Exclude is appended to archive.exclude.
	Exclude []string
	// ExcludeFrom names a file of newline-separated exclude patterns.
	ExcludeFrom string
}

// ExtApp is the application layer between the CLI and PackService.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and releases resources on Close.
type ExtApp struct {
	cfg       *config.Config
	db        pack.Database
	vault     pack.Vault
	fsmgr     pack.FilesystemManager
	encryptor pack.Encryptor
	service   *pack.PackService
	op        *Operation
	logger    *slog.Logger
	logFile   *os.File
}

// NewExtApp creates a fully wired ExtApp from the given config.
// The caller must call Close when done.
func NewExtApp(ctx context.Context, cfg *config.Config, opts Options) (*ExtApp, error) {
	fsmgr := extfs.NewOSFilesystemManager()

	var v pack.Vault
	if len(cfg.Vaults) > 0 {
		var err error
		v, err = vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
		if err != nil {
			return nil, fmt.Errorf("creating vault: %w", err)
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if db != nil {
		if err := db.CheckMigrations(); err != nil {
			db.Close()
			return nil, fmt.Errorf("database schema out of date: %w", err)
		}
	}

	clock := pack.RealClock{}
	op := NewOperation(opts.Operation, clock.Now())

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, stderr, level)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger.Debug("starting", "operation", op.Name)

	svc := pack.NewPackService(fsmgr, db, v, enc, &slogAdapter{l: logger}, clock, pack.UUIDGenerator{})

	return &ExtApp{
		cfg:       cfg,
		db:        db,
		vault:     v,
		fsmgr:     fsmgr,
		encryptor: enc,
		service:   svc,
		op:        op,
		logger:    logger,
		logFile:   logFile,
	}, nil
}

// Package archives the directory at rawSource into rawOutput. Both paths are
// resolved against the working directory. A missing source yields a
// *SourceNotFoundError and nothing is written.
func (a *ExtApp) Package(rawSource, rawOutput string, opts PackageOptions) (*pack.PackageResult, error) {
	result, err := a.pkg(rawSource, rawOutput, opts)
	if err != nil {
		a.op.Fail()
	}
	return result, err
}

func (a *ExtApp) pkg(rawSource, rawOutput string, opts PackageOptions) (*pack.PackageResult, error) {
	absSource, err := filepath.Abs(rawSource)
	if err != nil {
		return nil, fmt.Errorf("resolving source: %w", err)
	}

	// A symlinked source root is followed; links below it are not.
	realSource, err := filepath.EvalSymlinks(absSource)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &SourceNotFoundError{Path: absSource}
		}
		return nil, fmt.Errorf("resolving source: %w", err)
	}
	source, err := a.fsmgr.Resolve(realSource)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &SourceNotFoundError{Path: absSource}
		}
		return nil, fmt.Errorf("resolving source: %w", err)
	}
	if !source.IsDir() {
		return nil, &SourceNotFoundError{Path: absSource}
	}

	output, err := resolveOutput(rawOutput)
	if err != nil {
		return nil, err
	}

	packOpts, err := a.packageOptions(opts)
	if err != nil {
		return nil, err
	}

	result, err := a.service.Package(source, output, packOpts)
	if errors.Is(err, pack.ErrSourceNotFound) {
		return nil, &SourceNotFoundError{Path: absSource}
	}
	return result, err
}

// packageOptions merges config and per-invocation overrides.
func (a *ExtApp) packageOptions(opts PackageOptions) (pack.PackageOptions, error) {
	level := a.cfg.Archive.Level
	if opts.Level != nil {
		level = *opts.Level
	}
	if err := config.ValidateLevel(level); err != nil {
		return pack.PackageOptions{}, err
	}

	patterns := append([]string{}, a.cfg.Archive.Exclude...)
	patterns = append(patterns, opts.Exclude...)
	if opts.ExcludeFrom != "" {
		if _, err := os.Stat(opts.ExcludeFrom); err != nil {
			return pack.PackageOptions{}, fmt.Errorf("reading exclude file: %w", err)
		}
		fromFile, err := extfs.ParseIgnoreFile(opts.ExcludeFrom)
		if err != nil {
			return pack.PackageOptions{}, err
		}
		patterns = append(patterns, fromFile...)
	}

	packOpts := pack.PackageOptions{Level: level}
	if matcher := extfs.NewIgnoreMatcher(patterns); matcher.Len() > 0 {
		packOpts.Exclude = matcher
	}
	return packOpts, nil
}

// resolveOutput makes rawOutput absolute. When the parent directory already
// exists its symlinks are evaluated, so the output can be recognised inside a
// symlinked source tree.
func resolveOutput(rawOutput string) (string, error) {
	abs, err := filepath.Abs(rawOutput)
	if err != nil {
		return "", fmt.Errorf("resolving output: %w", err)
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return abs, nil
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// Publish uploads a packaged archive to the configured vault under name.
func (a *ExtApp) Publish(result *pack.PackageResult, name string) error {
	err := a.publish(result, name)
	if err != nil {
		a.op.Fail()
	}
	return err
}

func (a *ExtApp) publish(result *pack.PackageResult, name string) error {
	if a.vault == nil {
		return fmt.Errorf("no vaults configured")
	}
	if err := a.vault.ValidateSetup(); err != nil {
		return fmt.Errorf("vault not ready: %w", err)
	}
	if a.encryptor != nil && !a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys not found: run 'extpack keys init'")
	}
	return a.service.Publish(result, name)
}

// Fetch downloads the archive published under name and writes it to
// rawDest. When encryption is enabled, passphrase is called once to unlock
// the private key.
func (a *ExtApp) Fetch(name, rawDest string, passphrase func() (string, error)) (string, error) {
	dest, err := a.fetch(name, rawDest, passphrase)
	if err != nil {
		a.op.Fail()
	}
	return dest, err
}

func (a *ExtApp) fetch(name, rawDest string, passphrase func() (string, error)) (string, error) {
	if a.vault == nil {
		return "", fmt.Errorf("no vaults configured")
	}
	if err := a.vault.ValidateSetup(); err != nil {
		return "", fmt.Errorf("vault not ready: %w", err)
	}

	var dec pack.DecryptionContext
	if a.encryptor != nil {
		pass, err := passphrase()
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		dec, err = a.encryptor.Unlock(pass)
		if err != nil {
			return "", fmt.Errorf("unlocking private key: %w", err)
		}
	}

	dest, err := filepath.Abs(rawDest)
	if err != nil {
		return "", fmt.Errorf("resolving destination: %w", err)
	}
	w, err := a.fsmgr.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating destination: %w", err)
	}

	ferr := a.service.Fetch(name, w, dec)
	if cerr := w.Close(); cerr != nil && ferr == nil {
		ferr = fmt.Errorf("closing destination: %w", cerr)
	}
	if ferr != nil {
		os.Remove(dest)
		return "", ferr
	}
	return dest, nil
}

// History returns the most recent packaging runs.
func (a *ExtApp) History(limit int) ([]*model.PackageRun, error) {
	return a.service.History(limit)
}

// SetupKeys generates the encryption key pair, protecting the private key
// with passphrase.
func (a *ExtApp) SetupKeys(passphrase string) error {
	if a.encryptor == nil {
		a.op.Fail()
		return fmt.Errorf("encryption is disabled: set [encryption] type in the config")
	}
	if err := a.encryptor.Setup(passphrase); err != nil {
		a.op.Fail()
		return fmt.Errorf("setting up keys: %w", err)
	}
	a.logger.Info("encryption keys created")
	return nil
}

// Close closes the database and the log file.
func (a *ExtApp) Close() error {
	var firstErr error

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	a.logger.Debug("finished", "operation", a.op.Name, "status", a.op.Status)

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
