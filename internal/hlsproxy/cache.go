package hlsproxy

import (
	"time"
)

// Clock supplies the current time to the Cache.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Entry is one published manifest generation for a channel. It is never
// mutated after Publish; a refresh replaces it with a new Entry.
type Entry struct {
	Channel  ChannelID
	Manifest string
	// Segments maps filenames to origin URLs (indirection mode only).
	Segments map[string]string
	// Origins are the scheme://host keys of segments that name their own host.
	Origins   map[string]struct{}
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is no longer servable at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache holds the rewritten manifest and segment table per channel with a
// fixed time-to-live. One Cache is shared by the Resolver and the Relay.
type Cache struct {
	store Store
	ttl   time.Duration
	clock Clock
}

// NewCache returns a Cache over store. A nil clock means SystemClock; a
// non-positive ttl means DefaultManifestTTL.
func NewCache(store Store, ttl time.Duration, clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock
	}
	if ttl <= 0 {
		ttl = DefaultManifestTTL
	}
	return &Cache{store: store, ttl: ttl, clock: clock}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the channel's current entry if it exists and has not expired.
func (c *Cache) Lookup(channel ChannelID) (*Entry, bool) {
	e, ok := c.store.Get(channel)
	if !ok || e.Expired(c.clock.Now()) {
		return nil, false
	}
	return e, true
}

// Manifest returns the cached manifest text for channel.
func (c *Cache) Manifest(channel ChannelID) (string, bool) {
	e, ok := c.Lookup(channel)
	if !ok {
		return "", false
	}
	return e.Manifest, true
}

// SegmentURL resolves a client-visible filename through the channel's
// current segment table. It returns ErrSegmentNotFound when there is no
// unexpired entry, the entry has no table, or name is not in it.
func (c *Cache) SegmentURL(channel ChannelID, name string) (string, error) {
	e, ok := c.Lookup(channel)
	if !ok || e.Segments == nil {
		return "", ErrSegmentNotFound
	}
	target, ok := e.Segments[name]
	if !ok {
		return "", ErrSegmentNotFound
	}
	return target, nil
}

// AllowsOrigin reports whether the channel's last published manifest
// referenced segments on origin (a scheme://host key). The entry is consulted
// even after expiry so players holding a slightly old manifest keep working
// until the next refresh replaces it.
func (c *Cache) AllowsOrigin(channel ChannelID, origin string) bool {
	e, ok := c.store.Get(channel)
	if !ok {
		return false
	}
	_, ok = e.Origins[origin]
	return ok
}

// Publish stores manifest and segments as the channel's new generation,
// replacing any previous one in a single store write.
func (c *Cache) Publish(channel ChannelID, manifest string, segments map[string]string) *Entry {
	return c.PublishResult(channel, RewriteResult{Manifest: manifest, Segments: segments})
}

// PublishResult stores a rewrite result, with its segment table and
// referenced origins, as the channel's new generation.
func (c *Cache) PublishResult(channel ChannelID, res RewriteResult) *Entry {
	now := c.clock.Now()
	e := &Entry{
		Channel:   channel,
		Manifest:  res.Manifest,
		Segments:  res.Segments,
		Origins:   res.Origins,
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	c.store.Set(e)
	return e
}

// Len returns the number of channels held by the underlying store.
func (c *Cache) Len() int {
	return c.store.Len()
}
