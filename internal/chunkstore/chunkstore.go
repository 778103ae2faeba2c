// Package chunkstore implements the content-addressed chunk layer that sits
// directly on top of a backend.Backend: every commit in internal/commitgraph
// is serialized once, hashed, and stored under that hash so that two
// identical commits collapse to one chunk and so that replay is just
// "fetch by hash, follow parent".
package chunkstore

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kvsync/kvsync/internal/backend"
)

const (
	chunkKeyPrefix  = "c/"
	headKeyPrefix   = "h/"
	clientIDKey     = "client-id"
	defaultCacheCap = 512
)

// Store adapts backend.Backend into a content-addressed chunk store plus a
// small set of named head pointers ("main", "sync") and a client-id slot.
// A bounded LRU (github.com/hashicorp/golang-lru) sits in front of the
// backend so that walking a long replay chain doesn't round-trip to disk
// for every ancestor.
type Store struct {
	be    backend.Backend
	cache *lru.Cache
}

func New(be backend.Backend) *Store {
	cache, err := lru.New(defaultCacheCap)
	if err != nil {
		// Only returns an error for a non-positive size, which defaultCacheCap
		// never is.
		panic(fmt.Sprintf("chunkstore: building lru cache: %v", err))
	}
	return &Store{be: be, cache: cache}
}

// Get returns the raw bytes previously stored under hash.
func (s *Store) Get(hash string) ([]byte, bool, error) {
	if v, ok := s.cache.Get(hash); ok {
		return v.([]byte), true, nil
	}
	data, ok, err := s.be.Get(chunkKeyPrefix + hash)
	if err != nil || !ok {
		return nil, ok, err
	}
	s.cache.Add(hash, data)
	return data, true, nil
}

// Put stages data under hash. Content-addressing makes this idempotent: a
// hash already present is left untouched.
func (s *Store) Put(hash string, data []byte) error {
	if _, ok := s.cache.Get(hash); ok {
		return nil
	}
	if err := s.be.Put(chunkKeyPrefix+hash, data); err != nil {
		return err
	}
	s.cache.Add(hash, data)
	return nil
}

// Head returns the hash a named root (e.g. "main", "sync") currently points
// to.
func (s *Store) Head(root string) (string, bool, error) {
	v, ok, err := s.be.Get(headKeyPrefix + root)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// SetHead stages root := hash.
func (s *Store) SetHead(root, hash string) error {
	return s.be.Put(headKeyPrefix+root, []byte(hash))
}

// DropHead stages removal of a named root, used when the sync branch is
// discarded after maybeEndPull swaps it into main.
func (s *Store) DropHead(root string) error {
	_, err := s.be.Del(headKeyPrefix + root)
	return err
}

// ClientID returns the persisted client identity, if any has been set yet.
func (s *Store) ClientID() (string, bool, error) {
	v, ok, err := s.be.Get(clientIDKey)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// SetClientID stages the client identity. Callers must Commit.
func (s *Store) SetClientID(id string) error {
	return s.be.Put(clientIDKey, []byte(id))
}

// Commit flushes every staged chunk/head/client-id write atomically.
func (s *Store) Commit() error {
	return s.be.Commit()
}
