package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Storage holds named cache generations, each mapping a key to a captured response.
// Generations are ordered by creation; Match searches them in that order.
// Writing to a key replaces whatever the key held before (last write wins).
//
// Implementations must be thread-safe!
type Storage interface {
	// Open creates the named generation if it does not exist yet.
	Open(ctx context.Context, name string) error
	// Names returns the names of all generations in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named generation and all of its entries.
	// It reports whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Get returns the entry stored under key in the named generation.
	Get(ctx context.Context, name, key string) (Entry, bool, error)
	// Put stores the entry under key in the named generation,
	// creating the generation if needed.
	Put(ctx context.Context, name, key string, entry Entry) error
	// Match returns the first entry stored under key in any generation.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Keys returns the keys held by the named generation, sorted.
	Keys(ctx context.Context, name string) ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Entry is an immutable snapshot of a response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewEntry captures the response for url. The body must already be read.
func NewEntry(url string, res *http.Response, body []byte) Entry {
	e := Entry{
		URL:      url,
		Status:   res.StatusCode,
		Header:   res.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Header.Del("Content-Length")
	return e
}

// Response creates a fresh response from the entry.
// Every call returns an independent body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e Entry) clone() Entry {
	c := e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return c
}

type MemStorage struct {
	mutex *sync.RWMutex
	order []string
	db    map[string]map[string]Entry
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]Entry),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.openLocked(name)
	return nil
}

func (m *MemStorage) openLocked(name string) map[string]Entry {
	gen, ok := m.db[name]
	if !ok {
		gen = make(map[string]Entry)
		m.db[name] = gen
		m.order = append(m.order, name)
	}
	return gen
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		return false, nil
	}
	delete(m.db, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Get(_ context.Context, name, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[name][key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.clone(), true, nil
}

func (m *MemStorage) Put(_ context.Context, name, key string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.openLocked(name)[key] = entry.clone()
	return nil
}

func (m *MemStorage) Match(_ context.Context, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if entry, ok := m.db[name][key]; ok {
			return entry.clone(), true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemStorage) Keys(_ context.Context, name string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db[name]))
	for key := range m.db[name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStorage) Close() error {
	return nil
}
