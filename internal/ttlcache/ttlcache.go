// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package ttlcache bounds the lifetime of entries in an httpcache.Cache.
//
// Each entry is stored in the underlying cache prefixed with its expiry time,
// so a single lookup is enough to decide whether it is still usable.  This
// caps how long original and transformed images stay in a cache regardless
// of the caching headers sent by origin servers.
package ttlcache

import (
	"encoding/binary"
	"time"

	"github.com/gregjones/httpcache"
)

// size of the expiry prefix stored with each entry
const headerLen = 8

// Cache wraps an httpcache.Cache, expiring entries TTL after they are set.
type Cache struct {
	httpcache.Cache
	TTL time.Duration

	now func() time.Time
}

var _ httpcache.Cache = (*Cache)(nil)

// New returns a Cache that stores entries in c for at most ttl.
func New(c httpcache.Cache, ttl time.Duration) *Cache {
	return &Cache{Cache: c, TTL: ttl, now: time.Now}
}

// Get returns the entry for key if it exists and has not expired.  Expired
// and malformed entries are deleted.
func (c *Cache) Get(key string) ([]byte, bool) {
	b, ok := c.Cache.Get(key)
	if !ok {
		return nil, false
	}
	if len(b) < headerLen {
		c.Cache.Delete(key)
		return nil, false
	}

	expiry := time.Unix(0, int64(binary.BigEndian.Uint64(b[:headerLen])))
	if c.now().After(expiry) {
		c.Cache.Delete(key)
		return nil, false
	}
	return b[headerLen:], true
}

// Set stores data for key, expiring TTL from now.
func (c *Cache) Set(key string, data []byte) {
	b := make([]byte, headerLen+len(data))
	binary.BigEndian.PutUint64(b, uint64(c.now().Add(c.TTL).UnixNano()))
	copy(b[headerLen:], data)
	c.Cache.Set(key, b)
}
