// Package cache implements the resolver's in-memory fingerprint cache.
//
// It stores one entry per (record type, name), each carrying an expiry and a
// "touched since" timestamp, plus a side index of the record type that most
// recently produced a non-empty answer for a name (LAST). A mutex-guarded
// map plus a container/list LRU bounds the cache's size, on top of the
// ttl0/negative-caching/last-success semantics the resolver needs.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/classmarkets/dnslb/record"
)

// DefaultMaxSize bounds the number of (type, name) entries kept in memory.
// The least recently touched entry is evicted once exceeded.
const DefaultMaxSize = 10_000

// DefaultBadTTL is the TTL applied to negative (empty or error) answers when
// the caller does not configure one explicitly.
const DefaultBadTTL = 1 * time.Second

// Entry is a cached answer for one (type, name) key.
type Entry struct {
	Records  record.Set
	ExpireAt time.Time
	TouchAt  time.Time
	TTL0     bool
}

type item struct {
	entry Entry
	elem  *list.Element
}

// Cache is the resolver's fingerprint cache. A zero Cache is not usable; use
// New.
type Cache struct {
	BadTTL  time.Duration
	MaxSize int

	mu   sync.Mutex
	byKV map[record.TypeName]*item
	lru  *list.List // list of record.TypeName

	lastSuccess map[string]record.Type
}

// New returns an empty Cache. badTTL is applied to negative answers. If
// badTTL is zero, DefaultBadTTL is used; if maxSize is zero, DefaultMaxSize
// is used.
func New(badTTL time.Duration, maxSize int) *Cache {
	if badTTL <= 0 {
		badTTL = DefaultBadTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		BadTTL:      badTTL,
		MaxSize:     maxSize,
		byKV:        map[record.TypeName]*item{},
		lru:         list.New(),
		lastSuccess: map[string]record.Type{},
	}
}

// Lookup returns a cached entry for (qtype, name):
//
//   - no entry                  -> (nil, false)
//   - entry.TTL0                -> touch, (nil, true)
//   - peek                      -> touch, (entry, false), regardless of expiry
//   - entry.ExpireAt before now -> remove, (nil, false)
//   - otherwise                 -> touch, (entry, false)
func (c *Cache) Lookup(qtype record.Type, name string, peek bool) (*Entry, bool) {
	key := record.TypeName{Type: qtype, Name: name}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.byKV[key]
	if !ok {
		return nil, false
	}

	if it.entry.TTL0 {
		it.entry.TouchAt = now
		c.lru.MoveToBack(it.elem)
		return nil, true
	}

	if peek {
		it.entry.TouchAt = now
		c.lru.MoveToBack(it.elem)
		e := it.entry
		return &e, false
	}

	if it.entry.ExpireAt.Before(now) {
		c.remove(key, it)
		return nil, false
	}

	it.entry.TouchAt = now
	c.lru.MoveToBack(it.elem)
	e := it.entry
	return &e, false
}

// Insert stores a record set. If set is non-empty, the cache key is derived
// from the first record's (Type, Name); otherwise the caller-supplied
// (qtype, name) pair is used, since there is no record to derive it from.
//
// TTL is the minimum TTL across all records, or BadTTL for an empty or
// all-error set. A TTL of exactly zero marks the entry TTL0: it is installed
// (so the resolver can later observe "this name is hot") but Lookup will
// never return it.
func (c *Cache) Insert(set record.Set, qtype record.Type, name string) {
	key := record.TypeName{Type: qtype, Name: name}
	if len(set) > 0 {
		key = record.TypeName{Type: set[0].Type(), Name: set[0].Hdr().Name}
	}

	now := time.Now()

	var ttl time.Duration
	ttl0 := false
	switch {
	case len(set) == 0, allErrors(set):
		ttl = c.BadTTL
	case set.HasTTLZero():
		ttl0 = true
	default:
		ttl = set.TTL()
		if ttl <= 0 {
			ttl = c.BadTTL
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.byKV[key]
	if !ok {
		it = &item{}
		it.elem = c.lru.PushBack(key)
		c.byKV[key] = it
	} else {
		c.lru.MoveToBack(it.elem)
	}

	it.entry = Entry{
		Records:  set,
		ExpireAt: now.Add(ttl),
		TouchAt:  now,
		TTL0:     ttl0,
	}

	c.evict()
}

func allErrors(set record.Set) bool {
	if len(set) == 0 {
		return false
	}
	for _, r := range set {
		if _, ok := r.(*record.Error); !ok {
			return false
		}
	}
	return true
}

func (c *Cache) remove(key record.TypeName, it *item) {
	c.lru.Remove(it.elem)
	delete(c.byKV, key)
}

func (c *Cache) evict() {
	for len(c.byKV) > c.MaxSize {
		front := c.lru.Front()
		if front == nil {
			return
		}
		key := front.Value.(record.TypeName)
		c.lru.Remove(front)
		delete(c.byKV, key)
	}
}

// GetLastSuccess returns the record type that most recently produced a
// non-empty answer for name, if any.
func (c *Cache) GetLastSuccess(name string) (record.Type, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastSuccess[name]
	return t, ok
}

// SetLastSuccess records t as the type that most recently resolved name
// successfully.
func (c *Cache) SetLastSuccess(name string, t record.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSuccess[name] = t
}

// ClearLastSuccess removes any recorded last-success type for name, used
// when an overall resolution fails.
func (c *Cache) ClearLastSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastSuccess, name)
}

// Purge removes expired entries. If touched is non-nil, entries that have
// not been touched for at least that long are removed too, regardless of
// expiry.
func (c *Cache) Purge(touched *time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, it := range c.byKV {
		expired := !it.entry.ExpireAt.After(now)
		stale := touched != nil && now.Sub(it.entry.TouchAt) >= *touched
		if expired || stale {
			c.remove(key, it)
		}
	}
}

// Clear empties the cache, including the last-success side index.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKV = map[record.TypeName]*item{}
	c.lru.Init()
	c.lastSuccess = map[string]record.Type{}
}
