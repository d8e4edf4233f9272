// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/provote/provote/fraud"
	"github.com/provote/provote/fraud/analysis"
)

// VoteCountByIP returns the number of votes an IP has cast on a poll at or
// after the since timestamp.
//
// VoteCountByIP satisfies the fraud.Store interface.
func (m *mysql) VoteCountByIP(ctx context.Context, pollID int64, ip string, since int64) (int64, error) {
	log.Tracef("VoteCountByIP %v %v", pollID, ip)

	q := `SELECT COUNT(*) FROM votes
    WHERE poll_id = ? AND ip_address = ? AND created_at >= ?`

	var count int64
	err := m.db.QueryRowContext(ctx, q, pollID, ip, since).Scan(&count)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	return count, nil
}

// VotesByOption returns the per-option vote counts on a poll for the
// provided voter token and IP. Either filter may be empty.
//
// VotesByOption satisfies the fraud.Store interface.
func (m *mysql) VotesByOption(ctx context.Context, pollID int64, ip, voterToken string) (map[int64]int64, error) {
	log.Tracef("VotesByOption %v", pollID)

	q := `SELECT option_id, COUNT(*) FROM votes WHERE poll_id = ?`
	args := []interface{}{pollID}
	if ip != "" {
		q += " AND ip_address = ?"
		args = append(args, ip)
	}
	if voterToken != "" {
		q += " AND voter_token = ?"
		args = append(args, voterToken)
	}
	q += " GROUP BY option_id"

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var optionID, count int64
		err = rows.Scan(&optionID, &count)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		counts[optionID] = count
	}
	err = rows.Err()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return counts, nil
}

// FingerprintActivity returns the distinct voter and IP counts for a
// fingerprint on a poll at or after the since timestamp.
//
// FingerprintActivity satisfies the fraud.Store interface.
func (m *mysql) FingerprintActivity(ctx context.Context, fingerprint string, pollID int64, since int64) (*fraud.Activity, error) {
	log.Tracef("FingerprintActivity %v", pollID)

	q := `SELECT COUNT(DISTINCT voter_token), COUNT(DISTINCT ip_address)
    FROM votes WHERE fingerprint = ? AND poll_id = ? AND created_at >= ?`

	var a fraud.Activity
	err := m.db.QueryRowContext(ctx, q, fingerprint, pollID,
		since).Scan(&a.Voters, &a.IPs)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &a, nil
}

// ActivePollIDs returns the IDs of all active polls.
//
// ActivePollIDs satisfies the analysis.Store interface.
func (m *mysql) ActivePollIDs(ctx context.Context) ([]int64, error) {
	log.Tracef("ActivePollIDs")

	q := `SELECT id FROM polls WHERE is_active = TRUE`

	rows, err := m.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var pollIDs []int64
	for rows.Next() {
		var pollID int64
		err = rows.Scan(&pollID)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		pollIDs = append(pollIDs, pollID)
	}
	err = rows.Err()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return pollIDs, nil
}

// VotesByPollSince returns all votes on a poll created at or after the
// since timestamp, ordered by creation time.
//
// VotesByPollSince satisfies the analysis.Store interface.
func (m *mysql) VotesByPollSince(ctx context.Context, pollID, since int64) ([]analysis.VoteSample, error) {
	log.Tracef("VotesByPollSince %v", pollID)

	q := `SELECT id, poll_id, option_id, voter_token, ip_address,
    user_agent, is_valid, created_at FROM votes
    WHERE poll_id = ? AND created_at >= ? ORDER BY created_at, id`

	rows, err := m.db.QueryContext(ctx, q, pollID, since)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var votes []analysis.VoteSample
	for rows.Next() {
		var v analysis.VoteSample
		err = rows.Scan(&v.ID, &v.PollID, &v.OptionID, &v.VoterToken,
			&v.IPAddress, &v.UserAgent, &v.IsValid, &v.CreatedAt)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		votes = append(votes, v)
	}
	err = rows.Err()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return votes, nil
}

// AlertUpsert creates a fraud alert for a vote unless one already exists.
// The alerting user ID is resolved from the vote.
//
// AlertUpsert satisfies the analysis.Store interface.
func (m *mysql) AlertUpsert(ctx context.Context, a analysis.Alert) (bool, error) {
	log.Tracef("AlertUpsert vote %v", a.VoteID)

	q := `INSERT IGNORE INTO fraud_alerts
    (vote_id, poll_id, user_id, ip_address, reasons, risk_score,
    created_at) SELECT v.id, v.poll_id, v.user_id, ?, ?, ?, ?
    FROM votes v WHERE v.id = ?`

	r, err := m.db.ExecContext(ctx, q, a.IPAddress, a.Reasons,
		a.RiskScore, a.CreatedAt, a.VoteID)
	if err != nil {
		return false, errors.WithStack(err)
	}
	rowsAffected, err := r.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

// VotesInvalidate marks the currently valid votes in the ID list invalid
// with the provided reason and risk score, returning the number of votes
// updated.
//
// VotesInvalidate satisfies the analysis.Store interface.
func (m *mysql) VotesInvalidate(ctx context.Context, voteIDs []int64, reason string, riskScore int) (int64, error) {
	log.Tracef("VotesInvalidate %v votes", len(voteIDs))

	if len(voteIDs) == 0 {
		return 0, nil
	}

	args := make([]interface{}, 0, len(voteIDs)+2)
	args = append(args, reason, riskScore)
	placeholders := make([]string, 0, len(voteIDs))
	for _, voteID := range voteIDs {
		placeholders = append(placeholders, "?")
		args = append(args, voteID)
	}
	q := fmt.Sprintf(`UPDATE votes
    SET is_valid = FALSE, fraud_reasons = ?,
    risk_score = GREATEST(risk_score, ?)
    WHERE id IN (%v) AND is_valid = TRUE`,
		strings.Join(placeholders, ", "))

	r, err := m.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	rowsAffected, err := r.RowsAffected()
	if err != nil {
		return 0, err
	}

	return rowsAffected, nil
}

// CountersRecompute recomputes a poll's cached aggregate counters from its
// valid votes.
//
// CountersRecompute satisfies the analysis.Store interface.
func (m *mysql) CountersRecompute(ctx context.Context, pollID int64) error {
	log.Tracef("CountersRecompute %v", pollID)

	q := `UPDATE poll_options o
    SET o.cached_vote_count = (SELECT COUNT(*) FROM votes v
    WHERE v.option_id = o.id AND v.is_valid = TRUE)
    WHERE o.poll_id = ?`
	_, err := m.db.ExecContext(ctx, q, pollID)
	if err != nil {
		return errors.WithStack(err)
	}

	q = `UPDATE polls p
    SET p.cached_total_votes = (SELECT COUNT(*) FROM votes v
    WHERE v.poll_id = p.id AND v.is_valid = TRUE),
    p.cached_unique_voters = (SELECT COUNT(DISTINCT v.voter_token)
    FROM votes v WHERE v.poll_id = p.id AND v.is_valid = TRUE)
    WHERE p.id = ?`
	_, err = m.db.ExecContext(ctx, q, pollID)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}
