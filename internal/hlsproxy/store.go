package hlsproxy

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is the persistence abstraction for published cache entries.
// Implementations must be safe for concurrent use. Set replaces any previous
// entry for the same channel in one step; the Cache relies on that to
// publish a manifest and its segment table atomically.
type Store interface {
	Get(channel ChannelID) (*Entry, bool)
	Set(e *Entry)
	Len() int
}

// LRUStore is a bounded Store backed by an expirable LRU. Entries are swept
// in the background once ttl has passed; the Cache still checks expiry itself
// against its clock on every read.
type LRUStore struct {
	lru *expirable.LRU[ChannelID, *Entry]
}

// NewLRUStore returns a store holding at most size channels.
func NewLRUStore(size int, ttl time.Duration) *LRUStore {
	return &LRUStore{lru: expirable.NewLRU[ChannelID, *Entry](size, nil, ttl)}
}

// Get implements Store.Get.
func (s *LRUStore) Get(channel ChannelID) (*Entry, bool) {
	return s.lru.Get(channel)
}

// Set implements Store.Set.
func (s *LRUStore) Set(e *Entry) {
	s.lru.Add(e.Channel, e)
}

// Len implements Store.Len.
func (s *LRUStore) Len() int {
	return s.lru.Len()
}

// InMemoryStore is an unbounded map-backed Store. Expired entries are only
// replaced, never swept.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[ChannelID]*Entry
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[ChannelID]*Entry),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(channel ChannelID) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[channel]
	return e, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Channel] = e
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
