// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vote

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKindT represents an ingestion error kind.
type ErrorKindT int

const (
	// ErrorKindInvalid is an invalid error kind.
	ErrorKindInvalid ErrorKindT = 0

	// ErrorKindPollNotFound is returned when the submitted poll ID does
	// not correspond to a poll.
	ErrorKindPollNotFound ErrorKindT = 1

	// ErrorKindInvalidPoll is returned when the poll exists but is not
	// accepting votes yet, i.e. it is deactivated or has not started.
	ErrorKindInvalidPoll ErrorKindT = 2

	// ErrorKindPollClosed is returned when the poll is past its end
	// time.
	ErrorKindPollClosed ErrorKindT = 3

	// ErrorKindDuplicateVote is returned when the voter has already
	// voted on the poll.
	ErrorKindDuplicateVote ErrorKindT = 4

	// ErrorKindFraudDetected is returned when the vote was blocked by
	// the reputation gate or the risk scoring pipeline.
	ErrorKindFraudDetected ErrorKindT = 5

	// ErrorKindInvalidVote is returned for malformed submissions, e.g.
	// an option that does not belong to the poll.
	ErrorKindInvalidVote ErrorKindT = 6

	// ErrorKindLockTimeout is returned when the submission timed out
	// waiting for the exclusive (voter, poll) lock. This error is
	// retryable; no state has been written.
	ErrorKindLockTimeout ErrorKindT = 7

	// ErrorKindStoreUnavailable is returned when the backing store was
	// transiently unavailable. This error is retryable; a client retry
	// with the same idempotency key is safe.
	ErrorKindStoreUnavailable ErrorKindT = 8
)

// userMessages contains the fixed, user visible message for each error
// kind. Fraud scoring rationale is deliberately never exposed to voters.
var userMessages = map[ErrorKindT]string{
	ErrorKindInvalid:          "an ingestion error occurred",
	ErrorKindPollNotFound:     "poll not found",
	ErrorKindInvalidPoll:      "poll is not open for voting",
	ErrorKindPollClosed:       "poll is closed",
	ErrorKindDuplicateVote:    "you have already voted on this poll",
	ErrorKindFraudDetected:    "vote could not be accepted",
	ErrorKindInvalidVote:      "invalid vote",
	ErrorKindLockTimeout:      "temporarily unavailable, please try again",
	ErrorKindStoreUnavailable: "temporarily unavailable, please try again",
}

// Error is the tagged error type returned by the ingestion service.
// Callers dispatch on Kind rather than on error identity so that transport
// layers can map kinds to status codes without depending on error
// hierarchies. Retryable reports whether a client side retry with the same
// idempotency key is safe and useful.
type Error struct {
	Kind      ErrorKindT
	Detail    string // Internal detail, not shown to voters
	Retryable bool
}

// Error satisfies the error interface.
func (e Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("vote error %v", e.Kind)
	}
	return fmt.Sprintf("vote error %v: %v", e.Kind, e.Detail)
}

// UserMessage returns the fixed user visible message for the error kind.
func (e Error) UserMessage() string {
	m, ok := userMessages[e.Kind]
	if !ok {
		return userMessages[ErrorKindInvalid]
	}
	return m
}

// errKind returns an Error with the provided kind and detail.
func errKind(kind ErrorKindT, format string, args ...interface{}) Error {
	e := Error{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	}
	switch kind {
	case ErrorKindLockTimeout, ErrorKindStoreUnavailable:
		e.Retryable = true
	}
	return e
}

// ErrorKind returns the error kind of the provided error, unwrapping as
// needed. Errors that are not ingestion Errors map to ErrorKindInvalid.
func ErrorKind(err error) ErrorKindT {
	var e Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindInvalid
}

// IsRetryable returns whether the provided error is a retryable ingestion
// error. Unknown errors are not retryable.
func IsRetryable(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
