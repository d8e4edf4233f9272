// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mysql implements the vote ledger on MySQL. One store serves the
// ingestion service, the fraud pipeline queries, and the background
// pattern analyzer. The exclusive (voter, poll) critical section is built
// on MySQL named locks (GET_LOCK) so that it holds across all server
// processes sharing the database.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/provote/provote/fraud"
	"github.com/provote/provote/fraud/analysis"
	"github.com/provote/provote/vote"
)

// votesTable is the vote ledger. The (poll_id, voter_token) unique key is
// the final line of defense for the one-vote-per-voter invariant; the
// idempotency_key unique key makes retried inserts collide instead of
// duplicating.
const votesTable = `
  id              BIGINT AUTO_INCREMENT PRIMARY KEY,
  poll_id         BIGINT NOT NULL,
  option_id       BIGINT NOT NULL,
  user_id         BIGINT NOT NULL,
  voter_token     CHAR(64) NOT NULL,
  idempotency_key CHAR(64) NOT NULL,
  fingerprint     VARCHAR(128) NOT NULL,
  ip_address      VARCHAR(45) NOT NULL,
  user_agent      VARCHAR(256) NOT NULL,
  is_valid        BOOLEAN NOT NULL,
  fraud_reasons   VARCHAR(512) NOT NULL,
  risk_score      INT NOT NULL,
  created_at      BIGINT NOT NULL,
  UNIQUE KEY uniq_voter_poll (poll_id, voter_token),
  UNIQUE KEY uniq_idempotency (idempotency_key),
  INDEX idx_poll_created (poll_id, created_at),
  INDEX idx_poll_ip (poll_id, ip_address),
  INDEX idx_fingerprint (fingerprint, poll_id)
`

// attemptsTable is the append-only ingestion audit log.
const attemptsTable = `
  id              BIGINT AUTO_INCREMENT PRIMARY KEY,
  poll_id         BIGINT NOT NULL,
  option_id       BIGINT NOT NULL,
  user_id         BIGINT NOT NULL,
  voter_token     CHAR(64) NOT NULL,
  idempotency_key CHAR(64) NOT NULL,
  fingerprint     VARCHAR(128) NOT NULL,
  ip_address      VARCHAR(45) NOT NULL,
  user_agent      VARCHAR(256) NOT NULL,
  success         BOOLEAN NOT NULL,
  error_message   VARCHAR(512) NOT NULL,
  created_at      BIGINT NOT NULL,
  INDEX idx_poll_created (poll_id, created_at)
`

// alertsTable holds fraud alerts. The vote_id unique key provides the
// get-or-create semantics that keep the pattern analyzer idempotent.
const alertsTable = `
  id         BIGINT AUTO_INCREMENT PRIMARY KEY,
  vote_id    BIGINT NOT NULL,
  poll_id    BIGINT NOT NULL,
  user_id    BIGINT NOT NULL,
  ip_address VARCHAR(45) NOT NULL,
  reasons    VARCHAR(512) NOT NULL,
  risk_score INT NOT NULL,
  created_at BIGINT NOT NULL,
  UNIQUE KEY uniq_vote (vote_id)
`

// pollsTable is the poll read model. Poll CRUD is owned by an external
// collaborator; this store only reads polls and maintains the cached
// counters. voting_hours is a JSON encoded array of allowed UTC hours.
const pollsTable = `
  id                   BIGINT AUTO_INCREMENT PRIMARY KEY,
  is_active            BOOLEAN NOT NULL,
  allow_retraction     BOOLEAN NOT NULL,
  starts_at            BIGINT NOT NULL,
  ends_at              BIGINT NOT NULL,
  cached_total_votes   BIGINT NOT NULL,
  cached_unique_voters BIGINT NOT NULL,
  voting_hours         VARCHAR(128) NOT NULL,
  voting_hours_strict  BOOLEAN NOT NULL
`

// optionsTable is the poll option read model.
const optionsTable = `
  id                BIGINT AUTO_INCREMENT PRIMARY KEY,
  poll_id           BIGINT NOT NULL,
  text              VARCHAR(256) NOT NULL,
  cached_vote_count BIGINT NOT NULL,
  INDEX idx_poll (poll_id)
`

var (
	_ vote.DB        = (*mysql)(nil)
	_ vote.PollDB    = (*mysql)(nil)
	_ fraud.Store    = (*mysql)(nil)
	_ analysis.Store = (*mysql)(nil)
)

// mysql implements the vote.DB, vote.PollDB, fraud.Store, and
// analysis.Store interfaces.
type mysql struct {
	db   *sql.DB
	opts *Opts
}

// Opts contains configurable options for the vote database. These are not
// required. Sane defaults are used when the options are not provided.
type Opts struct {
	// OpTimeout is the timeout for a single database operation.
	OpTimeout time.Duration

	// LockTimeout is the max time a submission waits on the exclusive
	// (voter, poll) lock before failing with a retryable error.
	LockTimeout time.Duration
}

const (
	defaultOpTimeout   = 1 * time.Minute
	defaultLockTimeout = 5 * time.Second

	tableNameVotes    = "votes"
	tableNameAttempts = "vote_attempts"
	tableNameAlerts   = "fraud_alerts"
	tableNamePolls    = "polls"
	tableNameOptions  = "poll_options"
)

// New returns a new mysql context for the vote ledger. The opts param can
// be used to override the default settings. The tables are created if
// they do not exist.
func New(db *sql.DB, opts *Opts) (*mysql, error) {
	if opts == nil {
		opts = &Opts{}
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	m := mysql{
		db:   db,
		opts: opts,
	}

	err := m.createTables()
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// createTables creates the vote database tables.
func (m *mysql) createTables() error {
	ctx, cancel := m.ctxForOp()
	defer cancel()

	for _, v := range []struct {
		name   string
		schema string
	}{
		{tableNamePolls, pollsTable},
		{tableNameOptions, optionsTable},
		{tableNameVotes, votesTable},
		{tableNameAttempts, attemptsTable},
		{tableNameAlerts, alertsTable},
	} {
		q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %v (%v)",
			v.name, v.schema)
		_, err := m.db.ExecContext(ctx, q)
		if err != nil {
			return errors.WithStack(err)
		}
		log.Debugf("Created %v database table", v.name)
	}

	return nil
}

// ctxForOp returns a context and cancel function for a single database
// operation.
func (m *mysql) ctxForOp() (context.Context, func()) {
	return context.WithTimeout(context.Background(), m.opts.OpTimeout)
}

// PollGet returns a poll by ID.
//
// PollGet satisfies the vote.PollDB interface.
func (m *mysql) PollGet(ctx context.Context, pollID int64) (*vote.Poll, error) {
	log.Tracef("PollGet %v", pollID)

	q := `SELECT id, is_active, allow_retraction, starts_at, ends_at,
    cached_total_votes, cached_unique_voters, voting_hours,
    voting_hours_strict FROM polls WHERE id = ?`

	var (
		p           vote.Poll
		votingHours string
	)
	err := m.db.QueryRowContext(ctx, q, pollID).Scan(&p.ID, &p.IsActive,
		&p.AllowRetraction, &p.StartsAt, &p.EndsAt, &p.CachedTotalVotes,
		&p.CachedUniqueVoters, &votingHours, &p.VotingHoursStrict)
	switch {
	case err == sql.ErrNoRows:
		return nil, vote.Error{
			Kind:   vote.ErrorKindPollNotFound,
			Detail: fmt.Sprintf("poll %v not found", pollID),
		}
	case err != nil:
		return nil, errors.WithStack(err)
	}
	if votingHours != "" {
		err = json.Unmarshal([]byte(votingHours), &p.VotingHours)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	q = `SELECT COUNT(*) FROM poll_options WHERE poll_id = ?`
	err = m.db.QueryRowContext(ctx, q, pollID).Scan(&p.OptionCount)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &p, nil
}

// OptionGet returns a poll option by ID.
//
// OptionGet satisfies the vote.PollDB interface.
func (m *mysql) OptionGet(ctx context.Context, optionID int64) (*vote.Option, error) {
	log.Tracef("OptionGet %v", optionID)

	q := `SELECT id, poll_id, text, cached_vote_count
    FROM poll_options WHERE id = ?`

	var o vote.Option
	err := m.db.QueryRowContext(ctx, q, optionID).Scan(&o.ID, &o.PollID,
		&o.Text, &o.CachedVoteCount)
	switch {
	case err == sql.ErrNoRows:
		return nil, vote.Error{
			Kind:   vote.ErrorKindInvalidVote,
			Detail: fmt.Sprintf("option %v not found", optionID),
		}
	case err != nil:
		return nil, errors.WithStack(err)
	}

	return &o, nil
}

// VoteGet returns a vote by ID.
//
// VoteGet satisfies the vote.DB interface.
func (m *mysql) VoteGet(ctx context.Context, voteID int64) (*vote.Vote, error) {
	log.Tracef("VoteGet %v", voteID)

	q := `SELECT id, poll_id, option_id, user_id, voter_token,
    idempotency_key, fingerprint, ip_address, user_agent, is_valid,
    fraud_reasons, risk_score, created_at FROM votes WHERE id = ?`

	var v vote.Vote
	err := m.db.QueryRowContext(ctx, q, voteID).Scan(&v.ID, &v.PollID,
		&v.OptionID, &v.UserID, &v.VoterToken, &v.IdempotencyKey,
		&v.Fingerprint, &v.IPAddress, &v.UserAgent, &v.IsValid,
		&v.FraudReasons, &v.RiskScore, &v.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, vote.Error{
			Kind:   vote.ErrorKindInvalidVote,
			Detail: fmt.Sprintf("vote %v not found", voteID),
		}
	case err != nil:
		return nil, errors.WithStack(err)
	}

	return &v, nil
}

// AttemptNew records an ingestion attempt outside of any transaction.
//
// AttemptNew satisfies the vote.DB interface.
func (m *mysql) AttemptNew(ctx context.Context, a vote.Attempt) error {
	log.Tracef("AttemptNew poll %v success %v", a.PollID, a.Success)

	_, err := m.db.ExecContext(ctx, attemptInsertQuery, attemptInsertArgs(a)...)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// AlertNew creates a fraud alert for a vote unless one already exists.
//
// AlertNew satisfies the vote.DB interface.
func (m *mysql) AlertNew(ctx context.Context, a vote.FraudAlert) (bool, error) {
	log.Tracef("AlertNew vote %v", a.VoteID)

	q := `INSERT IGNORE INTO fraud_alerts
    (vote_id, poll_id, user_id, ip_address, reasons, risk_score,
    created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	r, err := m.db.ExecContext(ctx, q, a.VoteID, a.PollID, a.UserID,
		a.IPAddress, a.Reasons, a.RiskScore, a.CreatedAt)
	if err != nil {
		return false, errors.WithStack(err)
	}
	rowsAffected, err := r.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}
