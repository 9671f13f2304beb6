package testutil

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"extpack/internal/pack"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content     []byte
	Permissions fs.FileMode
	ModTime     time.Time
	IsDirectory bool
}

// MockFilesystemManager is an in-memory filesystem for testing.
// Paths are used as given and must be absolute.
type MockFilesystemManager struct {
	mu       sync.Mutex
	files    map[string]*MockFile
	failOpen map[string]error
	modTime  time.Time
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:    make(map[string]*MockFile),
		failOpen: make(map[string]error),
		modTime:  time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// AddFile adds a file to the mock filesystem.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &MockFile{
		Content:     content,
		Permissions: 0644,
		ModTime:     m.modTime,
	}
}

// AddDirectory adds a directory to the mock filesystem.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &MockFile{
		Permissions: 0755,
		ModTime:     m.modTime,
		IsDirectory: true,
	}
}

// FailOpen makes every subsequent Open of path return err.
func (m *MockFilesystemManager) FailOpen(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen[path] = err
}

// Content returns the bytes stored at path, and whether the file exists.
func (m *MockFilesystemManager) Content(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[path]
	if !ok || file.IsDirectory {
		return nil, false
	}
	return file.Content, true
}

func (m *MockFilesystemManager) Resolve(rawPath string) (*pack.Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	absPath := filepath.Clean(rawPath)
	file, ok := m.files[absPath]
	if !ok {
		return nil, fmt.Errorf("file not found: %s: %w", absPath, fs.ErrNotExist)
	}
	return pack.NewPath(absPath, file.IsDirectory, newMockFileInfo(absPath, file)), nil
}

// FindFiles returns every file below dir in lexical order.
func (m *MockFilesystemManager) FindFiles(dir *pack.Path) ([]*pack.Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := dir.String() + string(filepath.Separator)
	var names []string
	for name, file := range m.files {
		if !file.IsDirectory && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	paths := make([]*pack.Path, 0, len(names))
	for _, name := range names {
		paths = append(paths, pack.NewPath(name, false, newMockFileInfo(name, m.files[name])))
	}
	return paths, nil
}

func (m *MockFilesystemManager) Open(path *pack.Path) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failOpen[path.String()]; ok {
		return nil, err
	}
	file, ok := m.files[path.String()]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path.String())
	}
	if file.IsDirectory {
		return nil, fmt.Errorf("cannot open directory: %s", path.String())
	}
	return io.NopCloser(bytes.NewReader(file.Content)), nil
}

// Create returns a writer whose content is stored at absPath on Close.
func (m *MockFilesystemManager) Create(absPath string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if file, ok := m.files[absPath]; ok && file.IsDirectory {
		return nil, fmt.Errorf("cannot create over directory: %s", absPath)
	}
	m.files[absPath] = &MockFile{Permissions: 0644, ModTime: m.modTime}
	return &mockWriter{fsmgr: m, path: absPath}, nil
}

type mockWriter struct {
	fsmgr *MockFilesystemManager
	path  string
	buf   bytes.Buffer
}

func (w *mockWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *mockWriter) Close() error {
	w.fsmgr.AddFile(w.path, w.buf.Bytes())
	return nil
}

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name     string
	size     int64
	mode     fs.FileMode
	modTime  time.Time
	isDir    bool
	mockFile *MockFile
}

func newMockFileInfo(path string, file *MockFile) *mockFileInfo {
	mode := file.Permissions
	if file.IsDirectory {
		mode |= fs.ModeDir
	}
	return &mockFileInfo{
		name:     filepath.Base(path),
		size:     int64(len(file.Content)),
		mode:     mode,
		modTime:  file.ModTime,
		isDir:    file.IsDirectory,
		mockFile: file,
	}
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return m.mockFile }

// Compile-time check
var _ pack.FilesystemManager = (*MockFilesystemManager)(nil)
