// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vote provides the vote ingestion core: the data types, error
// taxonomy, and orchestration service that record a vote exactly once under
// concurrent load while scoring it for fraud risk.
package vote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Vote is the durable record of a single vote. A vote is created once by the
// ingestion service and is never mutated afterwards except for the fraud
// fields (IsValid, FraudReasons, RiskScore), which the background pattern
// analyzer may flip retroactively.
type Vote struct {
	ID             int64  // Unique ID, assigned by the store
	PollID         int64  // Poll being voted on
	OptionID       int64  // Option being voted for
	UserID         int64  // Authenticated voter ID; 0 for anonymous votes
	VoterToken     string // Stable hash identifying the voter for dedup
	IdempotencyKey string // Globally unique key for retried submissions
	Fingerprint    string // Client supplied device fingerprint
	IPAddress      string // IP address of the voter
	UserAgent      string // User agent string
	IsValid        bool   // False if fraud detection flagged the vote
	FraudReasons   string // Comma separated fraud reasons when flagged
	RiskScore      int    // 0-100 fraud pipeline score
	CreatedAt      int64  // Unix timestamp
}

// Attempt is an immutable audit record of a single ingestion call,
// successful or not. Attempts are retained for forensics and are never
// mutated or deleted.
type Attempt struct {
	ID             int64
	PollID         int64
	OptionID       int64
	UserID         int64
	VoterToken     string
	IdempotencyKey string
	Fingerprint    string
	IPAddress      string
	UserAgent      string
	Success        bool
	ErrorMessage   string
	CreatedAt      int64 // Unix timestamp
}

// FraudAlert is a denormalized join of a flagged vote with the reasons it
// was flagged, created once per flagged vote for investigation.
type FraudAlert struct {
	ID        int64
	VoteID    int64
	PollID    int64
	UserID    int64
	IPAddress string
	Reasons   string
	RiskScore int
	CreatedAt int64 // Unix timestamp
}

// Poll is the read model of a poll that the ingestion service validates
// against. Poll CRUD is owned by an external collaborator; this core only
// ever reads polls and updates the cached counters.
type Poll struct {
	ID                 int64
	IsActive           bool
	AllowRetraction    bool  // Poll setting: voters may retract their vote
	StartsAt           int64 // Unix timestamp
	EndsAt             int64 // Unix timestamp; 0 means no end time
	OptionCount        int   // Number of options on the poll
	CachedTotalVotes   int64 // Denormalized count of valid votes
	CachedUniqueVoters int64 // Denormalized count of distinct voters

	// VotingHours optionally restricts the UTC hours during which the
	// poll accepts votes. Empty means unrestricted. When Strict is set,
	// out-of-hours votes are rejected instead of just being scored.
	VotingHours       []int
	VotingHoursStrict bool
}

// IsOpen returns whether the poll accepts votes at the provided unix time.
func (p *Poll) IsOpen(now int64) bool {
	if !p.IsActive {
		return false
	}
	if p.StartsAt > now {
		return false
	}
	if p.EndsAt != 0 && p.EndsAt < now {
		return false
	}
	return true
}

// Option is the read model of a poll option.
type Option struct {
	ID              int64
	PollID          int64
	Text            string
	CachedVoteCount int64 // Denormalized count of valid votes
}

// PollDB is the poll/option read model consumed by the ingestion service.
type PollDB interface {
	// PollGet returns a poll by ID. Returns an Error with kind
	// ErrorKindPollNotFound if no poll exists.
	PollGet(ctx context.Context, pollID int64) (*Poll, error)

	// OptionGet returns an option by ID. Returns an Error with kind
	// ErrorKindInvalidVote if no option exists.
	OptionGet(ctx context.Context, optionID int64) (*Option, error)
}

// Tx exposes the write operations that must occur inside the exclusive
// (voter, poll) critical section. All operations share a single database
// transaction; an error from any of them rolls back all of them.
type Tx interface {
	// VoteByVoter returns the existing vote for the (poll, voter) pair
	// or nil if the voter has not voted on the poll.
	VoteByVoter(pollID int64, voterToken string) (*Vote, error)

	// VoteNew inserts the vote and, when the vote is valid, increments
	// the option and poll cached counters in the same transaction.
	VoteNew(v Vote) (*Vote, error)

	// VoteDel deletes a retracted vote and, when the vote was valid,
	// decrements the option and poll cached counters in the same
	// transaction.
	VoteDel(v Vote) error

	// AttemptNew records an ingestion attempt audit row.
	AttemptNew(a Attempt) error
}

// DB is the vote ledger interface.
type DB interface {
	// WithVoterLock acquires an exclusive lock scoped to the
	// (pollID, voterToken) pair, then runs fn inside a database
	// transaction. The lock is held until the transaction commits or
	// rolls back. A lock wait timeout is returned as a retryable Error.
	WithVoterLock(ctx context.Context, pollID int64, voterToken string, fn func(Tx) error) error

	// VoteGet returns a vote by ID.
	VoteGet(ctx context.Context, voteID int64) (*Vote, error)

	// AttemptNew records an ingestion attempt outside of any
	// transaction. Used for attempts that never reach the ledger write.
	AttemptNew(ctx context.Context, a Attempt) error

	// AlertNew creates a fraud alert for the vote if one does not
	// already exist. Returns whether a new alert was created.
	AlertNew(ctx context.Context, a FraudAlert) (bool, error)
}

// ResultsCache invalidates cached poll-results payloads after the
// aggregates change. Implementations must be safe for concurrent use.
type ResultsCache interface {
	Invalidate(ctx context.Context, pollID int64) error
}

// Publisher broadcasts a vote accepted event to all server processes. The
// broadcast is best effort; implementations must never block the caller on
// delivery and must never return an ingestion-failing error.
type Publisher interface {
	Publish(pollID, voteID int64)
}

// VoterToken derives the stable voter token for an authenticated user ID.
// The token identifies the voter for duplicate-vote detection independent
// of session state.
func VoterToken(userID int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("voter:%d", userID)))
	return hex.EncodeToString(h[:])
}
