// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package events provides the cross-process vote event fan-out. Accepted
// votes are broadcast over a redis pub/sub channel; every server process
// runs a Bus that republishes received events to its local in-process
// listeners.
package events

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	// Channel is the redis pub/sub channel that vote events are
	// broadcast on.
	Channel = "provote:vote_events"

	// TypeVoteCast is the event type for an accepted vote.
	TypeVoteCast = "vote_cast"
)

// Message is the wire format of a vote event. Timestamp is Unix seconds
// with a fractional part, set by the publishing process. Publishers in
// other languages emit fractional timestamps, so the field is a float on
// the wire.
type Message struct {
	Type      string  `json:"type"`
	PollID    int64   `json:"poll_id"`
	VoteID    int64   `json:"vote_id"`
	Timestamp float64 `json:"timestamp"`
}

func encodeMessage(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

func decodeMessage(payload []byte) (*Message, error) {
	var m Message
	err := json.Unmarshal(payload, &m)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if m.Type == "" {
		return nil, errors.Errorf("message missing type")
	}
	return &m, nil
}
