// Package tokencache holds short-lived device access tokens keyed by device record id.
//
// Entries expire lazily: Get treats a token as absent once the clock passes its
// expiry (minus the configured safety buffer). Sweep may be called periodically
// to drop dead entries, but correctness never depends on it.
package tokencache

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// DefaultLifetime is the token lifetime observed on CMC firmware.
const DefaultLifetime = 15 * time.Minute

// Token is a cached device credential. Value is an opaque bearer string.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at now, given a safety buffer.
func (t Token) Valid(now time.Time, buffer time.Duration) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-buffer))
}

// Change describes one mutation of the cache. ExpiresAt is nil when the entry was removed.
type Change struct {
	DeviceID  string
	ExpiresAt *time.Time
}

// Remaining is the status snapshot returned by TimeRemaining.
type Remaining struct {
	Remaining time.Duration
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Options struct {
	// Buffer is subtracted from ExpiresAt when deciding whether a token is still usable.
	Buffer time.Duration
	// Now overrides the clock; tests use it to move time.
	Now func() time.Time
}

// Cache is safe for concurrent use. Each operation is atomic per device id, so a
// Put is never shadowed by a Get that started before it.
type Cache struct {
	entries cmap.ConcurrentMap[string, Token]
	buffer  time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	nextSubID int
	subs      map[int]func(Change)
}

func New(opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	buffer := opts.Buffer
	if buffer < 0 {
		buffer = 0
	}
	return &Cache{
		entries: cmap.New[Token](),
		buffer:  buffer,
		now:     now,
		subs:    make(map[int]func(Change)),
	}
}

// Get returns the cached token for deviceID if it is still valid.
func (c *Cache) Get(deviceID string) (Token, bool) {
	tok, ok := c.entries.Get(deviceID)
	if !ok {
		return Token{}, false
	}
	if !tok.Valid(c.now(), c.buffer) {
		return Token{}, false
	}
	return tok, true
}

// Put replaces any entry for deviceID. ExpiresAt is issuedAt+lifetime.
func (c *Cache) Put(deviceID, value string, issuedAt time.Time, lifetime time.Duration) Token {
	tok := Token{
		Value:     value,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(lifetime),
	}
	c.entries.Set(deviceID, tok)

	exp := tok.ExpiresAt
	c.notify(Change{DeviceID: deviceID, ExpiresAt: &exp})
	return tok
}

// Touch slides the expiry window of an existing entry forward, keeping its value.
// It only renews the entry while it still holds value: a concurrent replacement
// or invalidation wins and Touch reports false.
func (c *Cache) Touch(deviceID, value string, lifetime time.Duration) bool {
	now := c.now()
	renewed := false
	res := c.entries.Upsert(deviceID, Token{}, func(exist bool, cur Token, empty Token) Token {
		if !exist {
			return empty
		}
		if cur.Value != value {
			return cur
		}
		renewed = true
		return Token{Value: cur.Value, IssuedAt: cur.IssuedAt, ExpiresAt: now.Add(lifetime)}
	})
	if !renewed {
		if res.Value == "" {
			// Upsert always stores; drop the placeholder so the id stays absent.
			c.entries.RemoveCb(deviceID, func(_ string, tok Token, exists bool) bool {
				return exists && tok.Value == ""
			})
		}
		return false
	}
	exp := res.ExpiresAt
	c.notify(Change{DeviceID: deviceID, ExpiresAt: &exp})
	return true
}

// Invalidate removes the entry for deviceID. It is a no-op when absent.
func (c *Cache) Invalidate(deviceID string) {
	if _, ok := c.entries.Pop(deviceID); ok {
		c.notify(Change{DeviceID: deviceID})
	}
}

// TimeRemaining reports how long the cached token has left. It never mutates the cache.
func (c *Cache) TimeRemaining(deviceID string) (Remaining, bool) {
	tok, ok := c.Get(deviceID)
	if !ok {
		return Remaining{}, false
	}
	return Remaining{
		Remaining: tok.ExpiresAt.Sub(c.now()),
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}, true
}

// Len counts entries including ones that have expired but were not swept yet.
func (c *Cache) Len() int {
	return c.entries.Count()
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, id := range c.entries.Keys() {
		dropped := c.entries.RemoveCb(id, func(_ string, tok Token, exists bool) bool {
			return exists && !tok.Valid(now, c.buffer)
		})
		if dropped {
			removed++
			c.notify(Change{DeviceID: id})
		}
	}
	return removed
}

// OnChange registers fn to be called synchronously after each mutation.
// The returned func unregisters it.
func (c *Cache) OnChange(fn func(Change)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(ch Change) {
	c.mu.RLock()
	fns := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}
