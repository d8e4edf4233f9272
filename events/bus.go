// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis"
)

type StatusT int

const (
	// Bus statuses
	StatusInvalid      StatusT = 0 // Invalid status
	StatusListening    StatusT = 1 // Subscription is open
	StatusReconnecting StatusT = 2 // Attempting to resubscribe
	StatusShutdown     StatusT = 3 // Bus has been shut down
)

const (
	// reconnectWait is the initial wait in between resubscribe
	// attempts. The wait doubles on every failed attempt up to
	// reconnectWaitLimit.
	reconnectWait      = 5 * time.Second
	reconnectWaitLimit = 60 * time.Second
)

// Bus broadcasts accepted votes across server processes over a redis
// pub/sub channel and republishes received events to the local Manager.
// Publishing is best effort; a publish failure is logged, never surfaced
// to the vote path.
type Bus struct {
	sync.Mutex
	client  *redis.Client
	manager *Manager
	channel string
	status  StatusT
}

// NewBus returns a new Bus that publishes on and subscribes to Channel.
func NewBus(client *redis.Client, manager *Manager) *Bus {
	return &Bus{
		client:  client,
		manager: manager,
		channel: Channel,
	}
}

// Status returns the bus subscription status.
func (b *Bus) Status() StatusT {
	b.Lock()
	defer b.Unlock()

	return b.status
}

func (b *Bus) statusSet(s StatusT) {
	b.Lock()
	defer b.Unlock()

	b.status = s
}

// Publish broadcasts a vote accepted event. Delivery is fire-and-forget;
// failures are logged and swallowed so that a redis outage can never fail
// an accepted vote.
//
// Publish satisfies the vote Publisher interface.
func (b *Bus) Publish(pollID, voteID int64) {
	log.Tracef("Publish poll %v vote %v", pollID, voteID)

	payload, err := encodeMessage(Message{
		Type:      TypeVoteCast,
		PollID:    pollID,
		VoteID:    voteID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		log.Errorf("events: encode vote_cast poll %v vote %v: %v",
			pollID, voteID, err)
		return
	}

	err = b.client.Publish(b.channel, payload).Err()
	if err != nil {
		log.Errorf("events: publish vote_cast poll %v vote %v: %v",
			pollID, voteID, err)
	}
}

// Run subscribes to the vote event channel and republishes received
// events to the local Manager until the context is canceled. A dropped
// subscription is reestablished with capped exponential backoff.
// Malformed payloads are logged and skipped; they never kill the listen
// loop.
func (b *Bus) Run(ctx context.Context) {
	log.Tracef("Run")

	timeToWait := reconnectWait

	for {
		if ctx.Err() != nil {
			b.statusSet(StatusShutdown)
			log.Infof("Event bus shut down")
			return
		}

		pubsub := b.client.Subscribe(b.channel)

		// Close the subscription on shutdown so that the blocking
		// receive below is released.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				pubsub.Close()
			case <-done:
			}
		}()

		b.statusSet(StatusListening)
		log.Infof("Event bus listening on %v", b.channel)

		for {
			msg, err := pubsub.ReceiveMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Errorf("events: receive: %v", err)
				}
				break
			}

			// A successful receive means the connection is good.
			// Reset the backoff.
			timeToWait = reconnectWait

			m, err := decodeMessage([]byte(msg.Payload))
			if err != nil {
				log.Warnf("events: skipping malformed payload "+
					"%q: %v", msg.Payload, err)
				continue
			}

			log.Debugf("Received %v event for poll %v vote %v",
				m.Type, m.PollID, m.VoteID)

			b.manager.Emit(*m)
		}

		close(done)
		pubsub.Close()

		if ctx.Err() != nil {
			continue
		}

		b.statusSet(StatusReconnecting)
		log.Infof("Event bus reconnect waiting %v", timeToWait)

		select {
		case <-ctx.Done():
		case <-time.After(timeToWait):
		}

		timeToWait *= 2
		if timeToWait > reconnectWaitLimit {
			timeToWait = reconnectWaitLimit
		}
	}
}
