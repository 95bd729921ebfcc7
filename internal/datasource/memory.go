package datasource

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Memory is an in-memory DataSource. Capacity, when positive, bounds the
// total bytes held across all files; a write past it fails with
// ErrDiskFull.
type Memory struct {
	mu       sync.Mutex
	files    map[string][]byte
	writing  map[string]bool // names reserved by uploads in progress
	denied   map[string]bool
	capacity int
	used     int
	open     int
}

// NewMemory returns an empty Memory with unlimited capacity.
func NewMemory() *Memory {
	return &Memory{
		files:   make(map[string][]byte),
		writing: make(map[string]bool),
		denied:  make(map[string]bool),
	}
}

// SetCapacity limits total stored bytes. Zero means unlimited.
func (m *Memory) SetCapacity(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = n
}

// Put stores a file, replacing any previous content.
func (m *Memory) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used += len(data) - len(m.files[name])
	m.files[name] = bytes.Clone(data)
}

// Deny makes every open of name fail with ErrAccessViolation.
func (m *Memory) Deny(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[name] = true
}

// Get returns a copy of a stored file. Uploads in progress are not visible.
func (m *Memory) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return bytes.Clone(data), ok
}

// OpenHandles returns the number of streams not yet closed or aborted.
func (m *Memory) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *Memory) OpenRead(name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[name] {
		return nil, fmt.Errorf("%w: %s", ErrAccessViolation, name)
	}
	data, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.open++
	return &memReader{Reader: bytes.NewReader(data), m: m}, nil
}

func (m *Memory) OpenWrite(name string) (WriteStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[name] {
		return nil, fmt.Errorf("%w: %s", ErrAccessViolation, name)
	}
	if _, ok := m.files[name]; ok || m.writing[name] {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if m.capacity > 0 && m.used >= m.capacity {
		return nil, fmt.Errorf("%w: %s", ErrDiskFull, name)
	}
	m.writing[name] = true
	m.open++
	return &memWriter{m: m, name: name}, nil
}

func (m *Memory) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open--
}

type memReader struct {
	*bytes.Reader
	m    *Memory
	once sync.Once
}

func (r *memReader) Close() error {
	r.once.Do(r.m.release)
	return nil
}

type memWriter struct {
	m    *Memory
	name string
	buf  []byte
	once sync.Once
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if w.m.capacity > 0 && w.m.used+len(p) > w.m.capacity {
		return 0, fmt.Errorf("%w: %s", ErrDiskFull, w.name)
	}
	w.m.used += len(p)
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *memWriter) Close() error {
	w.once.Do(func() {
		w.m.mu.Lock()
		delete(w.m.writing, w.name)
		w.m.files[w.name] = w.buf
		w.m.open--
		w.m.mu.Unlock()
	})
	return nil
}

func (w *memWriter) Abort() error {
	w.once.Do(func() {
		w.m.mu.Lock()
		delete(w.m.writing, w.name)
		w.m.used -= len(w.buf)
		w.m.open--
		w.m.mu.Unlock()
	})
	return nil
}
