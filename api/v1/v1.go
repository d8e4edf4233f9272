// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package v1 contains the routes and request/reply types of the provoted
// ingestion API.
package v1

// APIRoute prefixes all routes in this package.
const APIRoute = "/v1"

const (
	// RouteVoteSubmit submits a vote.
	RouteVoteSubmit = "/vote/submit"

	// RouteVoteRetract retracts the caller's vote from a poll that
	// allows retraction.
	RouteVoteRetract = "/vote/retract"

	// RouteVoteDetails returns a vote by ID.
	RouteVoteDetails = "/vote/{voteid:[0-9]+}"
)

// VoterTokenHeader optionally carries the voter token injected by a
// trusted authenticating gateway. Requests without it are treated as
// anonymous and keyed on fingerprint and IP.
const VoterTokenHeader = "X-Voter-Token"

// ErrorCodeT represents an API user error code.
type ErrorCodeT int

const (
	// ErrorCodeInvalid is an invalid error code.
	ErrorCodeInvalid ErrorCodeT = 0

	// ErrorCodeInvalidInput is returned for malformed requests.
	ErrorCodeInvalidInput ErrorCodeT = 1

	// ErrorCodePollNotFound is returned when the poll does not exist.
	ErrorCodePollNotFound ErrorCodeT = 2

	// ErrorCodePollNotOpen is returned when the poll exists but is not
	// accepting votes.
	ErrorCodePollNotOpen ErrorCodeT = 3

	// ErrorCodePollClosed is returned when the poll has ended.
	ErrorCodePollClosed ErrorCodeT = 4

	// ErrorCodeDuplicateVote is returned when the voter has already
	// voted on the poll.
	ErrorCodeDuplicateVote ErrorCodeT = 5

	// ErrorCodeVoteRejected is returned when the vote was rejected. The
	// rejection rationale is never included.
	ErrorCodeVoteRejected ErrorCodeT = 6

	// ErrorCodeTemporary is returned for transient failures. Retrying
	// the identical request is safe.
	ErrorCodeTemporary ErrorCodeT = 7
)

// ErrorReply is returned to the client when a request fails. ErrorContext
// is a fixed, user visible message.
type ErrorReply struct {
	ErrorCode    ErrorCodeT `json:"errorcode"`
	ErrorContext string     `json:"errorcontext,omitempty"`
}

// Vote is the client visible view of a recorded vote.
type Vote struct {
	ID        int64 `json:"id"`
	PollID    int64 `json:"pollid"`
	OptionID  int64 `json:"optionid"`
	IsValid   bool  `json:"isvalid"`
	CreatedAt int64 `json:"createdat"`
}

// VoteSubmit submits a vote on a poll option.
type VoteSubmit struct {
	PollID      int64  `json:"pollid"`
	OptionID    int64  `json:"optionid"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// IdempotencyKey optionally tags the submission so retries replay
	// the original result. One is derived when not provided.
	IdempotencyKey string `json:"idempotencykey,omitempty"`
}

// VoteSubmitReply is the reply to the VoteSubmit command. Duplicate is
// true when the submission replayed an already recorded vote.
type VoteSubmitReply struct {
	Vote      Vote `json:"vote"`
	Duplicate bool `json:"duplicate"`
}

// VoteRetract retracts the caller's vote from a poll.
type VoteRetract struct {
	PollID int64 `json:"pollid"`
}

// VoteRetractReply is the reply to the VoteRetract command.
type VoteRetractReply struct{}

// VoteDetailsReply is the reply to the VoteDetails command.
type VoteDetailsReply struct {
	Vote Vote `json:"vote"`
}
