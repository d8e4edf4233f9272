// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package fraud

import (
	"fmt"
	"sync"
	"time"

	redisCache "github.com/go-redis/cache"
	"github.com/go-redis/redis"
	"github.com/vmihailenco/msgpack"
)

// DefaultCacheTTL is the expiry applied to fingerprint activity cache
// entries. It matches the reuse check lookback window so a cached entry
// never outlives the window it summarizes.
const DefaultCacheTTL = 1 * time.Hour

func activityKey(fingerprint string, pollID int64) string {
	return fmt.Sprintf("fp:activity:%v:%v", fingerprint, pollID)
}

var (
	_ Cache = (*redisActivityCache)(nil)
	_ Cache = (*memActivityCache)(nil)
)

// redisActivityCache is a redis backed activity cache shared across
// processes.
type redisActivityCache struct {
	codec *redisCache.Codec
	ttl   time.Duration
}

// NewRedisCache returns an activity Cache backed by the provided redis
// client. A ttl of 0 uses DefaultCacheTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) Cache {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &redisActivityCache{
		codec: &redisCache.Codec{
			Redis: client,
			Marshal: func(v interface{}) ([]byte, error) {
				return msgpack.Marshal(v)
			},
			Unmarshal: func(b []byte, v interface{}) error {
				return msgpack.Unmarshal(b, v)
			},
		},
		ttl: ttl,
	}
}

func (c *redisActivityCache) ActivityGet(fingerprint string, pollID int64) (*Activity, error) {
	var a Activity
	err := c.codec.Get(activityKey(fingerprint, pollID), &a)
	if err != nil {
		// The codec does not distinguish a miss from a decode
		// failure. Either way the caller falls back to the store.
		return nil, ErrCacheMiss
	}
	return &a, nil
}

func (c *redisActivityCache) ActivitySet(fingerprint string, pollID int64, a Activity) error {
	return c.codec.Set(&redisCache.Item{
		Key:        activityKey(fingerprint, pollID),
		Object:     &a,
		Expiration: c.ttl,
	})
}

// memActivityCache is an in-memory activity cache for tests and
// single-process deployments.
type memActivityCache struct {
	sync.Mutex
	ttl     time.Duration
	entries map[string]memActivityEntry
}

type memActivityEntry struct {
	activity Activity
	expires  time.Time
}

// NewMemCache returns an in-memory activity Cache. A ttl of 0 uses
// DefaultCacheTTL.
func NewMemCache(ttl time.Duration) Cache {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &memActivityCache{
		ttl:     ttl,
		entries: make(map[string]memActivityEntry),
	}
}

func (c *memActivityCache) ActivityGet(fingerprint string, pollID int64) (*Activity, error) {
	c.Lock()
	defer c.Unlock()

	e, ok := c.entries[activityKey(fingerprint, pollID)]
	if !ok || time.Now().After(e.expires) {
		return nil, ErrCacheMiss
	}
	a := e.activity
	return &a, nil
}

func (c *memActivityCache) ActivitySet(fingerprint string, pollID int64, a Activity) error {
	c.Lock()
	defer c.Unlock()

	c.entries[activityKey(fingerprint, pollID)] = memActivityEntry{
		activity: a,
		expires:  time.Now().Add(c.ttl),
	}
	return nil
}
