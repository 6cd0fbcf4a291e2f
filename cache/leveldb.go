package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	g:<generation>            -> creation sequence (big endian uint64)
//	e:<generation>\x00<key>   -> gob encoded Entry
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	entrySeparator   = "\x00"
)

type LevelDBStorage struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &LevelDBStorage{db: db}
	gens, err := s.generations()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, g := range gens {
		if g.seq > s.seq {
			s.seq = g.seq
		}
	}
	return s, nil
}

type generation struct {
	name string
	seq  uint64
}

func (s *LevelDBStorage) generations() ([]generation, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()
	gens := make([]generation, 0)
	for it.Next() {
		if len(it.Value()) != 8 {
			continue
		}
		gens = append(gens, generation{
			name: strings.TrimPrefix(string(it.Key()), generationPrefix),
			seq:  binary.BigEndian.Uint64(it.Value()),
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].seq < gens[j].seq })
	return gens, nil
}

func (s *LevelDBStorage) Open(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	if err := s.openLocked(name, batch); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDBStorage) openLocked(name string, batch *leveldb.Batch) error {
	ok, err := s.db.Has([]byte(generationPrefix+name), nil)
	if err != nil || ok {
		return err
	}
	s.seq++
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], s.seq)
	batch.Put([]byte(generationPrefix+name), v[:])
	return nil
}

func (s *LevelDBStorage) Names(_ context.Context) ([]string, error) {
	gens, err := s.generations()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(gens))
	for _, g := range gens {
		names = append(names, g.name)
	}
	return names, nil
}

func (s *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(generationPrefix+name), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+entrySeparator)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(generationPrefix + name))
	return true, s.db.Write(batch, nil)
}

func (s *LevelDBStorage) Get(_ context.Context, name, key string) (Entry, bool, error) {
	b, err := s.db.Get([]byte(entryPrefix+name+entrySeparator+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	if err := decodeGob(b, &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *LevelDBStorage) Put(_ context.Context, name, key string, entry Entry) error {
	b, err := encodeGob(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	if err := s.openLocked(name, batch); err != nil {
		return err
	}
	batch.Put([]byte(entryPrefix+name+entrySeparator+key), b)
	return s.db.Write(batch, nil)
}

func (s *LevelDBStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	gens, err := s.generations()
	if err != nil {
		return Entry{}, false, err
	}
	for _, g := range gens {
		entry, ok, err := s.Get(ctx, g.name, key)
		if err != nil || ok {
			return entry, ok, err
		}
	}
	return Entry{}, false, nil
}

func (s *LevelDBStorage) Keys(_ context.Context, name string) ([]string, error) {
	prefix := entryPrefix + name + entrySeparator
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, strings.TrimPrefix(string(it.Key()), prefix))
	}
	return keys, it.Error()
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
