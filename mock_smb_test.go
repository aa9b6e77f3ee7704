package cifs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockBackend is an in-memory share for testing. It records the operations
// performed on it and can be told to fail them.
type mockBackend struct {
	mu sync.RWMutex

	files  map[string]*mockFileData
	shares map[string]bool

	errorOnPath map[string]error
	errorOnOp   map[string]error

	opMu       sync.Mutex
	operations []mockOperation
}

type mockFileData struct {
	name    string
	content []byte
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

type mockOperation struct {
	Op   string
	Path string
}

func newMockBackend() *mockBackend {
	m := &mockBackend{
		files:       make(map[string]*mockFileData),
		shares:      make(map[string]bool),
		errorOnPath: make(map[string]error),
		errorOnOp:   make(map[string]error),
	}
	m.files["/"] = &mockFileData{
		name:    "/",
		isDir:   true,
		mode:    fs.ModeDir | 0755,
		modTime: time.Now(),
	}
	return m
}

func (m *mockBackend) addShare(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[name] = true
}

func (m *mockBackend) addFile(p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = normalizeMockPath(p)
	m.files[p] = &mockFileData{
		name:    path.Base(p),
		content: content,
		mode:    0644,
		modTime: time.Now(),
	}
	m.ensureParentDirs(p)
}

func (m *mockBackend) addDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = normalizeMockPath(p)
	m.files[p] = &mockFileData{
		name:    path.Base(p),
		isDir:   true,
		mode:    fs.ModeDir | 0755,
		modTime: time.Now(),
	}
	m.ensureParentDirs(p)
}

func (m *mockBackend) setError(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorOnPath[normalizeMockPath(p)] = err
}

func (m *mockBackend) setOperationError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorOnOp[op] = err
}

func (m *mockBackend) clearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorOnPath = make(map[string]error)
	m.errorOnOp = make(map[string]error)
}

func (m *mockBackend) ops(op string) int {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	n := 0
	for _, o := range m.operations {
		if o.Op == op {
			n++
		}
	}
	return n
}

func (m *mockBackend) recordOp(op, p string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.operations = append(m.operations, mockOperation{Op: op, Path: p})
}

// checkError returns the injected error for op or p. Caller holds mu.
func (m *mockBackend) checkError(op, p string) error {
	if err, ok := m.errorOnOp[op]; ok {
		return err
	}
	if err, ok := m.errorOnPath[p]; ok {
		return err
	}
	return nil
}

func (m *mockBackend) ensureParentDirs(p string) {
	dir := path.Dir(p)
	if dir == p || dir == "/" {
		return
	}
	if _, ok := m.files[dir]; !ok {
		m.files[dir] = &mockFileData{
			name:    path.Base(dir),
			isDir:   true,
			mode:    fs.ModeDir | 0755,
			modTime: time.Now(),
		}
		m.ensureParentDirs(dir)
	}
}

func normalizeMockPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

type mockSession struct {
	backend   *mockBackend
	mu        sync.Mutex
	loggedOff bool
}

func (s *mockSession) Mount(shareName string) (SMBShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedOff {
		return nil, errors.New("session logged off")
	}

	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if err := s.backend.checkError("mount", shareName); err != nil {
		return nil, err
	}
	if !s.backend.shares[shareName] {
		return nil, errors.New("share not found: " + shareName)
	}
	s.backend.recordOp("mount", shareName)
	return &mockShare{backend: s.backend, shareName: shareName}, nil
}

func (s *mockSession) Logoff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedOff {
		return nil
	}
	s.loggedOff = true
	s.backend.recordOp("logoff", "")
	return nil
}

type mockShare struct {
	backend   *mockBackend
	shareName string
	mu        sync.Mutex
	unmounted bool
}

func (sh *mockShare) lookup(op, name string) (*mockFileData, string, error) {
	sh.mu.Lock()
	unmounted := sh.unmounted
	sh.mu.Unlock()
	if unmounted {
		return nil, "", errors.New("share unmounted")
	}

	name = normalizeMockPath(name)
	sh.backend.mu.RLock()
	defer sh.backend.mu.RUnlock()
	if err := sh.backend.checkError(op, name); err != nil {
		return nil, name, err
	}
	sh.backend.recordOp(op, name)
	data, ok := sh.backend.files[name]
	if !ok {
		return nil, name, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return data, name, nil
}

func (sh *mockShare) OpenFile(name string, flag int, perm fs.FileMode) (SMBFile, error) {
	data, name, err := sh.lookup("open", name)
	if err != nil {
		return nil, err
	}
	return &mockFile{backend: sh.backend, path: name, data: data}, nil
}

func (sh *mockShare) Stat(name string) (fs.FileInfo, error) {
	data, _, err := sh.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return &mockFileInfo{data: data}, nil
}

func (sh *mockShare) ReadDir(name string) ([]fs.FileInfo, error) {
	data, name, err := sh.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	if !data.isDir {
		return nil, errors.New("not a directory")
	}

	prefix := name
	if prefix != "/" {
		prefix += "/"
	}

	sh.backend.mu.RLock()
	defer sh.backend.mu.RUnlock()
	var infos []fs.FileInfo
	for p, d := range sh.backend.files {
		if p == name || !strings.HasPrefix(p, prefix) {
			continue
		}
		if strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			continue
		}
		infos = append(infos, &mockFileInfo{data: d})
	}
	// Servers return entries in no particular order.
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name() > infos[j].Name()
	})
	return infos, nil
}

func (sh *mockShare) Umount() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.unmounted {
		return nil
	}
	sh.unmounted = true
	sh.backend.recordOp("umount", sh.shareName)
	return nil
}

type mockFile struct {
	backend *mockBackend
	path    string
	data    *mockFileData
	mu      sync.Mutex
	offset  int
	closed  bool
}

func (f *mockFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fs.ErrClosed
	}

	f.backend.mu.RLock()
	defer f.backend.mu.RUnlock()
	if err := f.backend.checkError("read", f.path); err != nil {
		return 0, err
	}
	if f.data.isDir {
		return 0, errors.New("is a directory")
	}
	if f.offset >= len(f.data.content) {
		return 0, io.EOF
	}
	n := copy(p, f.data.content[f.offset:])
	f.offset += n
	return n, nil
}

func (f *mockFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.backend.recordOp("close", f.path)
	return nil
}

func (f *mockFile) Stat() (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fs.ErrClosed
	}
	return &mockFileInfo{data: f.data}, nil
}

type mockFileInfo struct {
	data *mockFileData
}

func (fi *mockFileInfo) Name() string       { return fi.data.name }
func (fi *mockFileInfo) Size() int64        { return int64(len(fi.data.content)) }
func (fi *mockFileInfo) Mode() fs.FileMode  { return fi.data.mode }
func (fi *mockFileInfo) ModTime() time.Time { return fi.data.modTime }
func (fi *mockFileInfo) IsDir() bool        { return fi.data.isDir }
func (fi *mockFileInfo) Sys() interface{}   { return nil }

// mockConnectionFactory implements ConnectionFactory for testing.
type mockConnectionFactory struct {
	backend *mockBackend

	mu              sync.Mutex
	connectErr      error
	failures        int // connection attempts left to fail with connectErr
	connectionsMade int
	connectAttempts int
	servers         []string
}

func newMockConnectionFactory(backend *mockBackend) *mockConnectionFactory {
	return &mockConnectionFactory{backend: backend}
}

// failNext makes the next n connection attempts fail with err. A negative
// n fails every attempt.
func (f *mockConnectionFactory) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
	f.connectErr = err
}

func (f *mockConnectionFactory) CreateConnection(ctx context.Context, config *Config) (SMBSession, SMBShare, error) {
	f.mu.Lock()
	f.connectAttempts++
	f.servers = append(f.servers, config.Server)
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		err := f.connectErr
		f.mu.Unlock()
		return nil, nil, err
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	session := &mockSession{backend: f.backend}
	share, err := session.Mount(config.Share)
	if err != nil {
		return nil, nil, err
	}

	f.mu.Lock()
	f.connectionsMade++
	f.mu.Unlock()
	return session, share, nil
}

func (f *mockConnectionFactory) stats() (attempts, made int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectAttempts, f.connectionsMade
}
