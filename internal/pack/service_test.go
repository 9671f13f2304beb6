package pack_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/flate"

	"extpack/internal/fs"
	"extpack/internal/model"
	"extpack/internal/pack"
	"extpack/internal/testutil"
)

type serviceDeps struct {
	fsmgr *testutil.MockFilesystemManager
	db    pack.Database
	vault pack.Vault
	clock *testutil.StubClock
}

func newService(t *testing.T, withDB, withVault bool, enc pack.Encryptor) (*pack.PackService, *serviceDeps) {
	t.Helper()
	deps := &serviceDeps{
		fsmgr: testutil.NewMockFilesystemManager(),
		clock: testutil.FixedClock(),
	}
	if withDB {
		deps.db = testutil.NewTestDatabase(t)
	}
	if withVault {
		deps.vault = testutil.NewTestVault()
	}
	svc := pack.NewPackService(deps.fsmgr, deps.db, deps.vault, enc, pack.NewNopLogger(), deps.clock, testutil.NewStubIDGenerator())
	return svc, deps
}

func defaultOptions() pack.PackageOptions {
	return pack.PackageOptions{Level: flate.DefaultCompression}
}

func TestPackService_Package(t *testing.T) {
	t.Run("archives files under relative names", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		deps.fsmgr.AddDirectory("/src")
		deps.fsmgr.AddFile("/src/a.txt", []byte("hello"))
		deps.fsmgr.AddFile("/src/sub/b.txt", []byte("world"))

		source, _ := deps.fsmgr.Resolve("/src")
		result, err := svc.Package(source, "/out/ext.zip", defaultOptions())
		if err != nil {
			t.Fatalf("Package() error = %v", err)
		}

		data, ok := deps.fsmgr.Content("/out/ext.zip")
		if !ok {
			t.Fatal("archive was not written")
		}
		want := map[string]string{"a.txt": "hello", "sub/b.txt": "world"}
		if diff := cmp.Diff(want, readArchive(t, data)); diff != "" {
			t.Errorf("archive mismatch (-want +got):\n%s", diff)
		}

		if result.Entries != 2 {
			t.Errorf("Entries = %d, want 2", result.Entries)
		}
		if result.Size != int64(len(data)) {
			t.Errorf("Size = %d, want %d", result.Size, len(data))
		}
		if result.RunID != "run-1" {
			t.Errorf("RunID = %q, want %q", result.RunID, "run-1")
		}
	})

	t.Run("empty directory yields empty archive", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		deps.fsmgr.AddDirectory("/src")

		source, _ := deps.fsmgr.Resolve("/src")
		result, err := svc.Package(source, "/out/ext.zip", defaultOptions())
		if err != nil {
			t.Fatalf("Package() error = %v", err)
		}
		if result.Entries != 0 {
			t.Errorf("Entries = %d, want 0", result.Entries)
		}

		data, _ := deps.fsmgr.Content("/out/ext.zip")
		if got := readArchive(t, data); len(got) != 0 {
			t.Errorf("archive has %d entries, want 0", len(got))
		}
	})

	t.Run("source that is not a directory", func(t *testing.T) {
		svc, deps := newService(t, true, false, nil)
		deps.fsmgr.AddFile("/src.txt", []byte("not a dir"))

		source, _ := deps.fsmgr.Resolve("/src.txt")
		_, err := svc.Package(source, "/out/ext.zip", defaultOptions())
		if !errors.Is(err, pack.ErrSourceNotFound) {
			t.Fatalf("Package() error = %v, want ErrSourceNotFound", err)
		}
		if _, ok := deps.fsmgr.Content("/out/ext.zip"); ok {
			t.Error("archive written for missing source")
		}

		runs, err := deps.db.ListPackageRuns(10)
		if err != nil {
			t.Fatalf("ListPackageRuns() error = %v", err)
		}
		if len(runs) != 0 {
			t.Errorf("recorded %d runs, want 0", len(runs))
		}
	})

	t.Run("relative output is rejected", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		deps.fsmgr.AddDirectory("/src")

		source, _ := deps.fsmgr.Resolve("/src")
		if _, err := svc.Package(source, "out/ext.zip", defaultOptions()); err == nil {
			t.Fatal("Package() expected error for relative output")
		}
	})

	t.Run("invalid level is rejected", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		deps.fsmgr.AddDirectory("/src")

		source, _ := deps.fsmgr.Resolve("/src")
		if _, err := svc.Package(source, "/out/ext.zip", pack.PackageOptions{Level: 42}); err == nil {
			t.Fatal("Package() expected error for invalid level")
		}
		if _, ok := deps.fsmgr.Content("/out/ext.zip"); ok {
			t.Error("archive written with invalid level")
		}
	})

	t.Run("excluded files are left out", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		deps.fsmgr.AddDirectory("/src")
		deps.fsmgr.AddFile("/src/manifest.json", []byte("{}"))
		deps.fsmgr.AddFile("/src/app.js.map", []byte("map"))
		deps.fsmgr.AddFile("/src/.git/HEAD", []byte("ref"))

		source, _ := deps.fsmgr.Resolve("/src")
		opts := pack.PackageOptions{
			Level:   flate.DefaultCompression,
			Exclude: fs.NewIgnoreMatcher([]string{"*.map", ".git"}),
		}
		if _, err := svc.Package(source, "/out/ext.zip", opts); err != nil {
			t.Fatalf("Package() error = %v", err)
		}

		data, _ := deps.fsmgr.Content("/out/ext.zip")
		want := map[string]string{"manifest.json": "{}"}
		if diff := cmp.Diff(want, readArchive(t, data)); diff != "" {
			t.Errorf("archive mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("output inside source is not archived", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		deps.fsmgr.AddDirectory("/src")
		deps.fsmgr.AddFile("/src/a.txt", []byte("hello"))
		deps.fsmgr.AddFile("/src/ext.zip", []byte("stale archive"))

		source, _ := deps.fsmgr.Resolve("/src")
		if _, err := svc.Package(source, "/src/ext.zip", defaultOptions()); err != nil {
			t.Fatalf("Package() error = %v", err)
		}

		data, _ := deps.fsmgr.Content("/src/ext.zip")
		want := map[string]string{"a.txt": "hello"}
		if diff := cmp.Diff(want, readArchive(t, data)); diff != "" {
			t.Errorf("archive mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("read failure marks the run as failed", func(t *testing.T) {
		svc, deps := newService(t, true, false, nil)
		deps.fsmgr.AddDirectory("/src")
		deps.fsmgr.AddFile("/src/a.txt", []byte("hello"))
		deps.fsmgr.FailOpen("/src/a.txt", errors.New("permission denied"))

		source, _ := deps.fsmgr.Resolve("/src")
		if _, err := svc.Package(source, "/out/ext.zip", defaultOptions()); err == nil {
			t.Fatal("Package() expected error")
		}

		runs, err := deps.db.ListPackageRuns(10)
		if err != nil {
			t.Fatalf("ListPackageRuns() error = %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("recorded %d runs, want 1", len(runs))
		}
		if runs[0].Status != model.StatusError {
			t.Errorf("Status = %q, want %q", runs[0].Status, model.StatusError)
		}
	})

	t.Run("failure to record the failed run is reported", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		finishErr := errors.New("database is locked")
		db := &failingFinishDB{Database: testutil.NewTestDatabase(t), err: finishErr}
		svc = pack.NewPackService(deps.fsmgr, db, nil, nil, pack.NewNopLogger(), deps.clock, testutil.NewStubIDGenerator())

		readErr := errors.New("permission denied")
		deps.fsmgr.AddDirectory("/src")
		deps.fsmgr.AddFile("/src/a.txt", []byte("hello"))
		deps.fsmgr.FailOpen("/src/a.txt", readErr)

		source, _ := deps.fsmgr.Resolve("/src")
		_, err := svc.Package(source, "/out/ext.zip", defaultOptions())
		if !errors.Is(err, readErr) {
			t.Errorf("Package() error = %v, want it to wrap the read error", err)
		}
		if !errors.Is(err, finishErr) {
			t.Errorf("Package() error = %v, want it to wrap the finish error", err)
		}
	})
}

// failingEncryptor writes part of the ciphertext, then fails.
type failingEncryptor struct {
	pack.Encryptor
	err error
}

func (e *failingEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write([]byte("partial")); err != nil {
		return err
	}
	return e.err
}

// failingFinishDB records runs but fails to finish them.
type failingFinishDB struct {
	pack.Database
	err error
}

func (d *failingFinishDB) FinishPackageRun(string, string, int, int64, time.Time) error {
	return d.err
}

func TestPackService_Package_RecordsHistory(t *testing.T) {
	svc, deps := newService(t, true, false, nil)
	deps.fsmgr.AddDirectory("/src")
	deps.fsmgr.AddFile("/src/a.txt", []byte("hello"))

	source, _ := deps.fsmgr.Resolve("/src")
	first, err := svc.Package(source, "/out/ext.zip", defaultOptions())
	if err != nil {
		t.Fatalf("first Package() error = %v", err)
	}
	deps.clock.Advance(time.Minute)
	second, err := svc.Package(source, "/out/ext.zip", defaultOptions())
	if err != nil {
		t.Fatalf("second Package() error = %v", err)
	}

	runs, err := svc.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("History() returned %d runs, want 2", len(runs))
	}
	if runs[0].ID != second.RunID || runs[1].ID != first.RunID {
		t.Errorf("History() order = [%s %s], want [%s %s]", runs[0].ID, runs[1].ID, second.RunID, first.RunID)
	}

	got := runs[0]
	if got.Status != model.StatusSuccess {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusSuccess)
	}
	if got.Source != "/src" || got.Output != "/out/ext.zip" {
		t.Errorf("Source, Output = %q, %q; want /src, /out/ext.zip", got.Source, got.Output)
	}
	if got.Entries != 1 || got.Size != second.Size {
		t.Errorf("Entries, Size = %d, %d; want 1, %d", got.Entries, got.Size, second.Size)
	}
	if !got.Finished() {
		t.Error("run not marked finished")
	}
	if !got.StartedAt.Equal(deps.clock.Now()) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, deps.clock.Now())
	}
}

func TestPackService_History_NoDatabase(t *testing.T) {
	svc, _ := newService(t, false, false, nil)
	if _, err := svc.History(10); err == nil {
		t.Fatal("History() expected error without database")
	}
}

func TestPackService_PublishFetch(t *testing.T) {
	setup := func(t *testing.T, enc pack.Encryptor) (*pack.PackService, *serviceDeps, *pack.PackageResult) {
		t.Helper()
		svc, deps := newService(t, true, true, enc)
		deps.fsmgr.AddDirectory("/src")
		deps.fsmgr.AddFile("/src/a.txt", []byte("hello"))

		source, _ := deps.fsmgr.Resolve("/src")
		result, err := svc.Package(source, "/out/ext.zip", defaultOptions())
		if err != nil {
			t.Fatalf("Package() error = %v", err)
		}
		return svc, deps, result
	}

	t.Run("round trips plain archive", func(t *testing.T) {
		svc, deps, result := setup(t, nil)

		if err := svc.Publish(result, "v1.zip"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		var buf bytes.Buffer
		if err := svc.Fetch("v1.zip", &buf, nil); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		want, _ := deps.fsmgr.Content("/out/ext.zip")
		if !bytes.Equal(buf.Bytes(), want) {
			t.Error("fetched archive differs from packaged archive")
		}

		runs, err := svc.History(1)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if !runs[0].PublishedAs.Valid || runs[0].PublishedAs.String != "v1.zip" {
			t.Errorf("PublishedAs = %+v, want v1.zip", runs[0].PublishedAs)
		}
	})

	t.Run("round trips encrypted archive", func(t *testing.T) {
		enc := testutil.NewTestEncryptor()
		svc, deps, result := setup(t, enc)

		if err := svc.Publish(result, "v1.zip"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		var stored bytes.Buffer
		if err := deps.vault.GetArchive("v1.zip", &stored); err != nil {
			t.Fatalf("GetArchive() error = %v", err)
		}
		plain, _ := deps.fsmgr.Content("/out/ext.zip")
		if bytes.Equal(stored.Bytes(), plain) {
			t.Error("vault holds the plaintext archive")
		}

		dec, err := enc.Unlock("")
		if err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		var buf bytes.Buffer
		if err := svc.Fetch("v1.zip", &buf, dec); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if !bytes.Equal(buf.Bytes(), plain) {
			t.Error("decrypted archive differs from packaged archive")
		}
	})

	t.Run("fetch of unknown archive", func(t *testing.T) {
		svc, _, _ := setup(t, nil)

		var buf bytes.Buffer
		if err := svc.Fetch("missing.zip", &buf, nil); err == nil {
			t.Fatal("Fetch() expected error for unknown archive")
		}
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		svc, _, result := setup(t, nil)
		if err := svc.Publish(result, ""); err == nil {
			t.Fatal("Publish() expected error for empty name")
		}
	})

	t.Run("encryption failure stores nothing", func(t *testing.T) {
		encErr := errors.New("public key unreadable")
		svc, deps, result := setup(t, &failingEncryptor{Encryptor: testutil.NewTestEncryptor(), err: encErr})

		err := svc.Publish(result, "v1.zip")
		if !errors.Is(err, encErr) {
			t.Fatalf("Publish() error = %v, want it to wrap the encryption error", err)
		}
		if ok, _ := deps.vault.HasArchive("v1.zip"); ok {
			t.Error("vault holds an archive after failed encryption")
		}
	})

	t.Run("vault failure during encrypted upload", func(t *testing.T) {
		svc, _, result := setup(t, testutil.NewTestEncryptor())

		// Invalid names are refused before the vault reads the stream.
		if err := svc.Publish(result, "a/b.zip"); err == nil {
			t.Fatal("Publish() expected error for invalid archive name")
		}
	})

	t.Run("corrupt ciphertext fails the fetch", func(t *testing.T) {
		enc := testutil.NewTestEncryptor()
		svc, deps, _ := setup(t, enc)
		if err := deps.vault.PutArchive("v1.zip", strings.NewReader("not encrypted"), 13); err != nil {
			t.Fatalf("PutArchive() error = %v", err)
		}

		dec, _ := enc.Unlock("")
		if err := svc.Fetch("v1.zip", io.Discard, dec); err == nil {
			t.Fatal("Fetch() expected decryption error")
		}
	})

	t.Run("no vault configured", func(t *testing.T) {
		svc, deps := newService(t, false, false, nil)
		deps.fsmgr.AddDirectory("/src")
		source, _ := deps.fsmgr.Resolve("/src")
		result, err := svc.Package(source, "/out/ext.zip", defaultOptions())
		if err != nil {
			t.Fatalf("Package() error = %v", err)
		}

		if err := svc.Publish(result, "v1.zip"); err == nil {
			t.Error("Publish() expected error without vault")
		}
		if err := svc.Fetch("v1.zip", &bytes.Buffer{}, nil); err == nil {
			t.Error("Fetch() expected error without vault")
		}
	})
}

func TestPackService_Package_OnDisk(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "extension")
	mustWrite(t, filepath.Join(src, "a.txt"), "hello")
	mustWrite(t, filepath.Join(src, "sub", "b.txt"), "world")
	if err := os.Symlink(filepath.Join(src, "a.txt"), filepath.Join(src, "link.txt")); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}

	fsmgr := fs.NewOSFilesystemManager()
	svc := pack.NewPackService(fsmgr, nil, nil, nil, pack.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())

	source, err := fsmgr.Resolve(src)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	output := filepath.Join(root, "public", "ext.zip")

	// A stale, larger file at the output path must be replaced entirely.
	mustWrite(t, output, string(bytes.Repeat([]byte("x"), 1<<16)))

	for i := 0; i < 2; i++ {
		if _, err := svc.Package(source, output, defaultOptions()); err != nil {
			t.Fatalf("Package() run %d error = %v", i+1, err)
		}
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want := map[string]string{"a.txt": "hello", "sub/b.txt": "world"}
	if diff := cmp.Diff(want, readArchive(t, data)); diff != "" {
		t.Errorf("archive mismatch (-want +got):\n%s", diff)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
