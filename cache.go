// Copyright 2026 The Tunnelguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tunnelguard

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTLCache caches a single value for a fixed time to live.  Get returns
// the stored value while it is fresh, and otherwise refetches and stores
// it with a fresh timestamp.  Concurrent refreshes are collapsed into one
// fetch.  Callers must Invalidate immediately after any mutating action so
// that the next read reflects the new state instead of a stale one.
type TTLCache[T any] struct {
	ttl   time.Duration
	mx    sync.Mutex
	data  T
	valid bool
	stamp time.Time
	group singleflight.Group
}

func NewTTLCache[T any](ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{ttl: ttl}
}

func (c *TTLCache[T]) Get(fetch func() T) T {
	c.mx.Lock()
	if c.valid && time.Since(c.stamp) <= c.ttl {
		v := c.data
		c.mx.Unlock()
		return v
	}
	c.mx.Unlock()

	v, _, _ := c.group.Do("fetch", func() (interface{}, error) {
		v := fetch()
		c.mx.Lock()
		c.data = v
		c.valid = true
		c.stamp = time.Now()
		c.mx.Unlock()
		return v, nil
	})
	return v.(T)
}

func (c *TTLCache[T]) Invalidate() {
	c.mx.Lock()
	var zero T
	c.data = zero
	c.valid = false
	c.mx.Unlock()
}

type cmdEntry struct {
	result Result
	stamp  time.Time
}

// CommandCache is a bounded cache of command Results keyed by an arbitrary
// string, typically the command line or a query name.  Entries expire after
// the ttl; when the cache is full the least recently inserted entry is
// evicted.  Clear must be called after any mutating action.
type CommandCache struct {
	capacity int
	ttl      time.Duration
	mx       sync.Mutex
	entries  map[string]cmdEntry
	order    []string
}

func NewCommandCache(capacity int, ttl time.Duration) *CommandCache {
	if capacity <= 0 {
		capacity = 32
	}
	return &CommandCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]cmdEntry),
	}
}

// Do returns the cached Result for key if fresh, and otherwise runs fn and
// stores its Result.
func (c *CommandCache) Do(key string, fn func() Result) Result {
	c.mx.Lock()
	if e, ok := c.entries[key]; ok && time.Since(e.stamp) <= c.ttl {
		c.mx.Unlock()
		return e.result
	}
	c.mx.Unlock()

	r := fn()

	c.mx.Lock()
	if _, ok := c.entries[key]; !ok {
		for len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cmdEntry{result: r, stamp: time.Now()}
	c.mx.Unlock()
	return r
}

// Len reports the number of stored entries.
func (c *CommandCache) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.entries)
}

func (c *CommandCache) Clear() {
	c.mx.Lock()
	c.entries = make(map[string]cmdEntry)
	c.order = nil
	c.mx.Unlock()
}
