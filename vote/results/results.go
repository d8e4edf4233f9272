// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package results invalidates cached poll-results payloads in redis. The
// results endpoints are owned by an external collaborator that caches its
// responses; this package only deletes the cache entries when the
// aggregates change so stale results are never served for long.
package results

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"
	"github.com/provote/provote/vote"
)

// keyFormat matches the cache key used by the poll results endpoints.
const keyFormat = "poll:results:%v"

var _ vote.ResultsCache = (*Cache)(nil)

// Cache deletes cached poll results from redis.
//
// Cache satisfies the vote.ResultsCache interface.
type Cache struct {
	client *redis.Client
}

// New returns a new results Cache backed by the provided redis client.
func New(client *redis.Client) *Cache {
	return &Cache{
		client: client,
	}
}

// Invalidate deletes the cached results payload for a poll. Deleting a key
// that does not exist is not an error.
func (c *Cache) Invalidate(ctx context.Context, pollID int64) error {
	log.Tracef("Invalidate %v", pollID)

	err := c.client.Del(fmt.Sprintf(keyFormat, pollID)).Err()
	if err != nil && err != redis.Nil {
		return err
	}

	return nil
}
