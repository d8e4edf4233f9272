// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"sync"
)

// PollAll subscribes a listener to the events of every poll.
const PollAll int64 = 0

// Manager fans received vote events out to the in-process listeners.
// Listeners subscribe per poll; PollAll listeners receive every poll's
// events.
type Manager struct {
	sync.Mutex
	byPoll map[int64]map[chan Message]struct{}
}

// NewManager returns a new Manager with no listeners.
func NewManager() *Manager {
	return &Manager{
		byPoll: make(map[int64]map[chan Message]struct{}),
	}
}

// Register subscribes a listener channel to the events of the provided
// poll. The channel should be buffered; Emit blocks on a full listener.
func (e *Manager) Register(pollID int64, listener chan Message) {
	e.Lock()
	defer e.Unlock()

	l, ok := e.byPoll[pollID]
	if !ok {
		l = make(map[chan Message]struct{})
		e.byPoll[pollID] = l
	}
	l[listener] = struct{}{}
}

// Unregister removes a listener from the provided poll. The channel is
// not closed; that remains the caller's job.
func (e *Manager) Unregister(pollID int64, listener chan Message) {
	e.Lock()
	defer e.Unlock()

	l, ok := e.byPoll[pollID]
	if !ok {
		return
	}
	delete(l, listener)
	if len(l) == 0 {
		delete(e.byPoll, pollID)
	}
}

// Emit delivers an event to the listeners of its poll and to the PollAll
// listeners.
func (e *Manager) Emit(m Message) {
	e.Lock()
	defer e.Unlock()

	for ch := range e.byPoll[m.PollID] {
		ch <- m
	}
	if m.PollID == PollAll {
		return
	}
	for ch := range e.byPoll[PollAll] {
		ch <- m
	}
}
