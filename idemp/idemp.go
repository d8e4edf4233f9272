// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package idemp provides the idempotency store that collapses retried vote
// submissions into a single logical operation. A deterministic key is
// derived from the submission identity and the first completed result is
// cached under it with a bounded TTL; replays are returned verbatim and are
// side effect free.
package idemp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	redisCache "github.com/go-redis/cache"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

const (
	// DefaultTTL is the default time that a cached result is retained.
	// A retry arriving after the TTL expires is handled by the duplicate
	// vote check in the ledger instead.
	DefaultTTL = time.Hour

	// keyPrefix namespaces idempotency entries in the shared cache.
	keyPrefix = "idempotency:"
)

// Result statuses.
const (
	StatusCreated   = "created"
	StatusDuplicate = "duplicate"
)

// ErrNotFound is returned when no result exists for an idempotency key.
var ErrNotFound = errors.New("idempotency result not found")

// Result is the cached outcome of a completed vote submission.
type Result struct {
	VoteID int64  `msgpack:"vote_id"`
	Status string `msgpack:"status"`
}

// Store maps idempotency keys to the results of completed submissions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the cached result for the key or ErrNotFound.
	Get(key string) (*Result, error)

	// Put caches the result under the key with the store's TTL.
	Put(key string, r Result) error

	// Del removes the cached result for the key. Deleting a key with
	// no entry is not an error.
	Del(key string) error
}

// Key derives the deterministic idempotency key for a submission. Retried
// submissions that do not carry an explicit key still collapse because the
// derivation only depends on the submission identity fields.
func Key(voterToken string, pollID, optionID int64, fingerprint, ipAddress string) string {
	data := fmt.Sprintf("%v:%v:%v:%v:%v",
		voterToken, pollID, optionID, fingerprint, ipAddress)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// redisStore is a redis backed Store. Entries are msgpack encoded and
// expire server side.
type redisStore struct {
	codec *redisCache.Codec
	ttl   time.Duration
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by the provided redis client. A ttl of 0
// uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &redisStore{
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

// Get returns the cached result for the key or ErrNotFound.
func (s *redisStore) Get(key string) (*Result, error) {
	log.Tracef("Get %v", key)

	var r Result
	err := s.codec.Get(keyPrefix+key, &r)
	if err != nil {
		// A miss and a transient redis failure are treated the same
		// way. The ledger's duplicate check backstops the cache, so
		// proceeding as a miss is always safe.
		return nil, ErrNotFound
	}

	return &r, nil
}

// Put caches the result under the key.
func (s *redisStore) Put(key string, r Result) error {
	log.Tracef("Put %v", key)

	err := s.codec.Set(&redisCache.Item{
		Key:        keyPrefix + key,
		Object:     r,
		Expiration: s.ttl,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// Del removes the cached result for the key.
func (s *redisStore) Del(key string) error {
	log.Tracef("Del %v", key)

	err := s.codec.Delete(keyPrefix + key)
	if err != nil && err != redisCache.ErrCacheMiss {
		return errors.WithStack(err)
	}

	return nil
}

// memEntry is a memStore entry.
type memEntry struct {
	result  Result
	expires time.Time
}

// memStore is an in-memory Store used in tests and single process runs.
type memStore struct {
	sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
}

var _ Store = (*memStore)(nil)

// NewMem returns an in-memory Store. A ttl of 0 uses DefaultTTL.
func NewMem(ttl time.Duration) Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &memStore{
		entries: make(map[string]memEntry),
		ttl:     ttl,
	}
}

// Get returns the cached result for the key or ErrNotFound.
func (s *memStore) Get(key string) (*Result, error) {
	s.Lock()
	defer s.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expires) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}

	r := e.result
	return &r, nil
}

// Put caches the result under the key.
func (s *memStore) Put(key string, r Result) error {
	s.Lock()
	defer s.Unlock()

	s.entries[key] = memEntry{
		result:  r,
		expires: time.Now().Add(s.ttl),
	}

	return nil
}

// Del removes the cached result for the key.
func (s *memStore) Del(key string) error {
	s.Lock()
	defer s.Unlock()

	delete(s.entries, key)

	return nil
}
