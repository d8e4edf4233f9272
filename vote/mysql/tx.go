// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"github.com/provote/provote/vote"
)

const attemptInsertQuery = `INSERT INTO vote_attempts
  (poll_id, option_id, user_id, voter_token, idempotency_key, fingerprint,
  ip_address, user_agent, success, error_message, created_at)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func attemptInsertArgs(a vote.Attempt) []interface{} {
	return []interface{}{a.PollID, a.OptionID, a.UserID, a.VoterToken,
		a.IdempotencyKey, a.Fingerprint, a.IPAddress, a.UserAgent,
		a.Success, a.ErrorMessage, a.CreatedAt}
}

// voterLockName derives the MySQL named lock name for a (poll, voter)
// pair. Lock names are capped at 64 characters so the raw pair is hashed.
func voterLockName(pollID int64, voterToken string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%v:%v", pollID, voterToken)))
	return hex.EncodeToString(h[:])
}

// WithVoterLock acquires the exclusive (poll, voter) named lock, then runs
// fn inside a database transaction on the same connection. MySQL named
// locks are connection scoped so a dedicated connection is checked out for
// the duration of the critical section.
//
// WithVoterLock satisfies the vote.DB interface.
func (m *mysql) WithVoterLock(ctx context.Context, pollID int64, voterToken string, fn func(vote.Tx) error) error {
	log.Tracef("WithVoterLock %v", pollID)

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer conn.Close()

	lockName := voterLockName(pollID, voterToken)
	timeout := int64(m.opts.LockTimeout.Seconds())

	var acquired sql.NullInt64
	err = conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)",
		lockName, timeout).Scan(&acquired)
	if err != nil {
		return errors.WithStack(err)
	}
	switch {
	case !acquired.Valid:
		// NULL means the lock could not be created.
		return errors.Errorf("get lock %v failed", lockName)
	case acquired.Int64 != 1:
		return vote.Error{
			Kind:      vote.ErrorKindLockTimeout,
			Detail:    fmt.Sprintf("lock wait timed out for poll %v", pollID),
			Retryable: true,
		}
	}
	defer func() {
		var released sql.NullInt64
		err := conn.QueryRowContext(context.Background(),
			"SELECT RELEASE_LOCK(?)", lockName).Scan(&released)
		if err != nil {
			// The lock is released when the connection closes.
			log.Errorf("release lock %v: %v", lockName, err)
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	err = fn(&voteTx{tx: tx})
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("rollback tx for poll %v: %v", pollID, rbErr)
		}
		return err
	}

	err = tx.Commit()
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// voteTx exposes the writes of the (poll, voter) critical section. All
// operations share the wrapped transaction.
//
// voteTx satisfies the vote.Tx interface.
type voteTx struct {
	tx *sql.Tx
}

// VoteByVoter returns the existing vote for the (poll, voter) pair or nil
// if the voter has not voted on the poll.
//
// VoteByVoter satisfies the vote.Tx interface.
func (t *voteTx) VoteByVoter(pollID int64, voterToken string) (*vote.Vote, error) {
	log.Tracef("VoteByVoter %v", pollID)

	q := `SELECT id, poll_id, option_id, user_id, voter_token,
    idempotency_key, fingerprint, ip_address, user_agent, is_valid,
    fraud_reasons, risk_score, created_at FROM votes
    WHERE poll_id = ? AND voter_token = ?`

	var v vote.Vote
	err := t.tx.QueryRow(q, pollID, voterToken).Scan(&v.ID, &v.PollID,
		&v.OptionID, &v.UserID, &v.VoterToken, &v.IdempotencyKey,
		&v.Fingerprint, &v.IPAddress, &v.UserAgent, &v.IsValid,
		&v.FraudReasons, &v.RiskScore, &v.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, errors.WithStack(err)
	}

	return &v, nil
}

// VoteNew inserts the vote and, when the vote is valid, increments the
// option and poll cached counters in the same transaction.
//
// VoteNew satisfies the vote.Tx interface.
func (t *voteTx) VoteNew(v vote.Vote) (*vote.Vote, error) {
	log.Tracef("VoteNew poll %v option %v", v.PollID, v.OptionID)

	q := `INSERT INTO votes
    (poll_id, option_id, user_id, voter_token, idempotency_key,
    fingerprint, ip_address, user_agent, is_valid, fraud_reasons,
    risk_score, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	r, err := t.tx.Exec(q, v.PollID, v.OptionID, v.UserID, v.VoterToken,
		v.IdempotencyKey, v.Fingerprint, v.IPAddress, v.UserAgent,
		v.IsValid, v.FraudReasons, v.RiskScore, v.CreatedAt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	v.ID, err = r.LastInsertId()
	if err != nil {
		return nil, err
	}

	if v.IsValid {
		_, err = t.tx.Exec(`UPDATE poll_options
      SET cached_vote_count = cached_vote_count + 1 WHERE id = ?`,
			v.OptionID)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		_, err = t.tx.Exec(`UPDATE polls
      SET cached_total_votes = cached_total_votes + 1,
      cached_unique_voters = cached_unique_voters + 1 WHERE id = ?`,
			v.PollID)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return &v, nil
}

// VoteDel deletes a retracted vote and, when the vote was valid,
// decrements the option and poll cached counters in the same transaction.
//
// VoteDel satisfies the vote.Tx interface.
func (t *voteTx) VoteDel(v vote.Vote) error {
	log.Tracef("VoteDel %v", v.ID)

	_, err := t.tx.Exec("DELETE FROM votes WHERE id = ?", v.ID)
	if err != nil {
		return errors.WithStack(err)
	}

	if v.IsValid {
		_, err = t.tx.Exec(`UPDATE poll_options
      SET cached_vote_count = GREATEST(cached_vote_count - 1, 0)
      WHERE id = ?`, v.OptionID)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = t.tx.Exec(`UPDATE polls
      SET cached_total_votes = GREATEST(cached_total_votes - 1, 0),
      cached_unique_voters = GREATEST(cached_unique_voters - 1, 0)
      WHERE id = ?`, v.PollID)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}

// AttemptNew records an ingestion attempt audit row inside the
// transaction.
//
// AttemptNew satisfies the vote.Tx interface.
func (t *voteTx) AttemptNew(a vote.Attempt) error {
	log.Tracef("AttemptNew poll %v success %v", a.PollID, a.Success)

	_, err := t.tx.Exec(attemptInsertQuery, attemptInsertArgs(a)...)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}
