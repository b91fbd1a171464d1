// Package keystore keeps the symmetric keys used to decrypt hub images.
//
// A key is added once and never overwritten in place: adding an id that is
// already present fails, and a replacement requires a delete first.
package keystore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/joshuapare/hubkernel/appsec"
	"github.com/joshuapare/hubkernel/internal/format"
)

var (
	// ErrKeyNotFound indicates no key with the requested id. It matches
	// appsec.ErrKeyNotFound, so a Store can serve as an appsec.KeyLookup.
	ErrKeyNotFound = fmt.Errorf("keystore: %w", appsec.ErrKeyNotFound)
	// ErrKeyExists indicates an add for an id that is already present.
	ErrKeyExists = errors.New("keystore: key already present")
	// ErrFull indicates the store has no room for another key.
	ErrFull = errors.New("keystore: store full")
)

// Key is one symmetric key.
type Key = [format.KeySize]byte

// Store is a symmetric key store.
type Store interface {
	appsec.KeyLookup

	AddKey(id uint64, key Key) error
	DeleteKey(id uint64) error
	List() ([]uint64, error)
}

// Memory is an in-memory Store with a fixed number of slots.
type Memory struct {
	mu    sync.RWMutex
	limit int
	keys  map[uint64]Key
}

// DefaultMemoryLimit is the slot count used when NewMemory gets zero.
const DefaultMemoryLimit = 32

// NewMemory returns an empty store holding at most limit keys.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{limit: limit, keys: make(map[uint64]Key)}
}

// LookupKey implements Store. A nil key only tests for presence.
func (m *Memory) LookupKey(id uint64, key *Key) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	if key != nil {
		*key = k
	}
	return nil
}

// AddKey implements Store.
func (m *Memory) AddKey(id uint64, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; ok {
		return ErrKeyExists
	}
	if len(m.keys) >= m.limit {
		return ErrFull
	}
	m.keys[id] = key
	return nil
}

// DeleteKey implements Store.
func (m *Memory) DeleteKey(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; !ok {
		return ErrKeyNotFound
	}
	delete(m.keys, id)
	return nil
}

// List implements Store. Ids are returned in ascending order.
func (m *Memory) List() ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// DeriveIterations is the PBKDF2 work factor for DeriveKey.
const DeriveIterations = 100_000

// DeriveKey stretches a passphrase into a key with PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase, salt []byte) Key {
	var k Key
	copy(k[:], pbkdf2.Key(passphrase, salt, DeriveIterations, format.KeySize, sha256.New))
	return k
}
