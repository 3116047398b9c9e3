// Package sessioncache is the bounded LRU that lets a repeat tool call
// skip full capability verification. It is purely an optimization: a miss
// here always falls back to full verification, and every state transition
// still writes to the log regardless of a cache hit.
package sessioncache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/talosprotocol/talos-governance-agent/pkg/hashchain"
)

// DefaultCapacity is used when a non-positive capacity is supplied.
const DefaultCapacity = 1024

// SessionID is a 128-bit session identifier, generated fresh on every
// successful AUTHORIZED transition.
type SessionID [16]byte

func (id SessionID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// NewSessionID generates a fresh random (v4) session id.
func NewSessionID() (SessionID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return SessionID{}, fmt.Errorf("sessioncache: generate session id: %w", err)
	}
	return SessionID(u), nil
}

// Entry binds a session to the capability that authorized it, the
// capability's expiry, and the set of trace_ids permitted to use it.
type Entry struct {
	CapabilityHash   hashchain.Hash
	ExpiresAt        time.Time
	TraceIDAllowList []string
}

// Cache is a bounded LRU of Entry keyed by SessionID.
type Cache struct {
	lru *lru.Cache[SessionID, Entry]
}

// New builds a Cache with the given capacity. A non-positive capacity
// uses DefaultCapacity.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[SessionID, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("sessioncache: construct LRU: %w", err)
	}
	return &Cache{lru: l}, nil
}

// Insert stores entry under a freshly generated session id and returns it.
func (c *Cache) Insert(entry Entry) (SessionID, error) {
	id, err := NewSessionID()
	if err != nil {
		return SessionID{}, err
	}
	c.lru.Add(id, entry)
	return id, nil
}

// Lookup returns the entry for id if present and not expired as of now. An
// expired entry is evicted on read rather than left to linger until LRU
// pressure removes it.
func (c *Cache) Lookup(id SessionID, now time.Time) (Entry, bool) {
	entry, ok := c.lru.Get(id)
	if !ok {
		return Entry{}, false
	}
	if !now.Before(entry.ExpiresAt) {
		c.lru.Remove(id)
		return Entry{}, false
	}
	return entry, true
}

// ClearOnRotate flushes the entire cache, used when the Supervisor's
// signing key rotates and every outstanding session must go through full
// verification again.
func (c *Cache) ClearOnRotate() {
	c.lru.Purge()
}

// Len reports the current number of cached sessions, for observability.
func (c *Cache) Len() int {
	return c.lru.Len()
}
