// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/provote/provote/reputation"
)

// reputationTable contains the per-IP reputation records.
//
// The ip_address column is 45 bytes so that it can accommodate a full
// IPv6 address. The timestamp columns contain Unix timestamps.
const reputationTable = `
  ip_address      VARCHAR(45) PRIMARY KEY,
  score           INT NOT NULL,
  violation_count BIGINT NOT NULL,
  success_count   BIGINT NOT NULL,
  failure_count   BIGINT NOT NULL,
  last_seen       BIGINT NOT NULL,
  last_violation  BIGINT NOT NULL
`

// blocksTable contains the block list entries for both IP addresses and
// device fingerprints. The value column is wide enough for either. Rows
// are deactivated on unblock, never deleted.
const blocksTable = `
  value        VARCHAR(128) PRIMARY KEY,
  reason       VARCHAR(256) NOT NULL,
  is_active    BOOLEAN NOT NULL,
  is_manual    BOOLEAN NOT NULL,
  blocked_at   BIGINT NOT NULL,
  unblocked_at BIGINT NOT NULL,
  expires_at   BIGINT NOT NULL,
  INDEX idx_active_expiry (is_active, expires_at)
`

// whitelistTable contains the IP whitelist entries.
const whitelistTable = `
  ip_address VARCHAR(45) PRIMARY KEY,
  reason     VARCHAR(256) NOT NULL,
  is_active  BOOLEAN NOT NULL,
  created_at BIGINT NOT NULL
`

var (
	_ reputation.DB = (*mysql)(nil)
)

// mysql implements the reputation.DB interface using a MySQL database.
type mysql struct {
	db   *sql.DB
	opts *Opts
}

// Opts contains configurable options for the reputation database. These
// are not required. Sane defaults are used when the options are not
// provided.
type Opts struct {
	// TablePrefix is prepended to all table names.
	TablePrefix string

	// OpTimeout is the timeout for a single database operation.
	OpTimeout time.Duration
}

const (
	defaultOpTimeout = 1 * time.Minute

	tableNameReputation = "ip_reputation"
	tableNameBlocks     = "blocks"
	tableNameWhitelist  = "ip_whitelist"
)

// New returns a new mysql context that implements the reputation DB
// interface. The opts param can be used to override the default settings.
// The tables are created if they do not exist.
func New(db *sql.DB, opts *Opts) (*mysql, error) {
	if opts == nil {
		opts = &Opts{}
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = defaultOpTimeout
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

func (m *mysql) table(name string) string {
	return m.opts.TablePrefix + name
}

// createTables creates the reputation database tables.
func (m *mysql) createTables() error {
	ctx, cancel := m.ctxForOp()
	defer cancel()

	for _, v := range []struct {
		name   string
		schema string
	}{
		{tableNameReputation, reputationTable},
		{tableNameBlocks, blocksTable},
		{tableNameWhitelist, whitelistTable},
	} {
		q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %v (%v)",
			m.table(v.name), v.schema)
		_, err := m.db.ExecContext(ctx, q)
		if err != nil {
			return errors.WithStack(err)
		}
		log.Debugf("Created %v database table", m.table(v.name))
	}

	return nil
}

// RecordGet returns the reputation record for an IP.
//
// RecordGet satisfies the reputation.DB interface.
func (m *mysql) RecordGet(ctx context.Context, ip string) (*reputation.Record, error) {
	log.Tracef("RecordGet %v", ip)

	q := `SELECT ip_address, score, violation_count, success_count,
    failure_count, last_seen, last_violation FROM %v WHERE ip_address = ?`
	q = fmt.Sprintf(q, m.table(tableNameReputation))

	var r reputation.Record
	err := m.db.QueryRowContext(ctx, q, ip).Scan(&r.IPAddress, &r.Score,
		&r.ViolationCount, &r.SuccessCount, &r.FailureCount, &r.LastSeen,
		&r.LastViolation)
	switch {
	case err == sql.ErrNoRows:
		return nil, reputation.ErrNotFound
	case err != nil:
		return nil, errors.WithStack(err)
	}

	return &r, nil
}

// RecordSuccess atomically records a successful vote for an IP. The score
// bump is applied in SQL so that concurrent writers cannot lose updates.
//
// RecordSuccess satisfies the reputation.DB interface.
func (m *mysql) RecordSuccess(ctx context.Context, ip string) error {
	log.Tracef("RecordSuccess %v", ip)

	q := `INSERT INTO %v
    (ip_address, score, violation_count, success_count, failure_count,
    last_seen, last_violation)
    VALUES (?, ?, 0, 1, 0, ?, 0)
    ON DUPLICATE KEY UPDATE
    success_count = success_count + 1,
    score = LEAST(score + 1, ?),
    last_seen = VALUES(last_seen)`
	q = fmt.Sprintf(q, m.table(tableNameReputation))

	_, err := m.db.ExecContext(ctx, q, ip, reputation.ScoreMax,
		time.Now().Unix(), reputation.ScoreMax)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// RecordViolation atomically records a violation for an IP and returns the
// updated record. The score drop of 10 points per severity level is
// applied in SQL, floored at the minimum score.
//
// RecordViolation satisfies the reputation.DB interface.
func (m *mysql) RecordViolation(ctx context.Context, ip string, severity int) (*reputation.Record, error) {
	log.Tracef("RecordViolation %v severity %v", ip, severity)

	penalty := 10 * severity
	now := time.Now().Unix()

	q := `INSERT INTO %v
    (ip_address, score, violation_count, success_count, failure_count,
    last_seen, last_violation)
    VALUES (?, GREATEST(? - ?, ?), 1, 0, 1, ?, ?)
    ON DUPLICATE KEY UPDATE
    violation_count = violation_count + 1,
    failure_count = failure_count + 1,
    score = GREATEST(score - ?, ?),
    last_seen = VALUES(last_seen),
    last_violation = VALUES(last_violation)`
	q = fmt.Sprintf(q, m.table(tableNameReputation))

	_, err := m.db.ExecContext(ctx, q, ip, reputation.ScoreMax, penalty,
		reputation.ScoreMin, now, now, penalty, reputation.ScoreMin)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return m.RecordGet(ctx, ip)
}

// BlockGet returns the block list entry for an IP or fingerprint value.
//
// BlockGet satisfies the reputation.DB interface.
func (m *mysql) BlockGet(ctx context.Context, value string) (*reputation.Block, error) {
	log.Tracef("BlockGet %v", value)

	q := `SELECT value, reason, is_active, is_manual, blocked_at,
    unblocked_at, expires_at FROM %v WHERE value = ?`
	q = fmt.Sprintf(q, m.table(tableNameBlocks))

	var b reputation.Block
	err := m.db.QueryRowContext(ctx, q, value).Scan(&b.Value, &b.Reason,
		&b.IsActive, &b.IsManual, &b.BlockedAt, &b.UnblockedAt,
		&b.ExpiresAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, reputation.ErrNotFound
	case err != nil:
		return nil, errors.WithStack(err)
	}

	return &b, nil
}

// BlockUpsert creates a block list entry or reactivates an existing one.
//
// BlockUpsert satisfies the reputation.DB interface.
func (m *mysql) BlockUpsert(ctx context.Context, b reputation.Block) error {
	log.Tracef("BlockUpsert %v", b.Value)

	q := `INSERT INTO %v
    (value, reason, is_active, is_manual, blocked_at, unblocked_at,
    expires_at)
    VALUES (?, ?, ?, ?, ?, 0, ?)
    ON DUPLICATE KEY UPDATE
    reason = VALUES(reason),
    is_active = VALUES(is_active),
    is_manual = VALUES(is_manual),
    blocked_at = VALUES(blocked_at),
    unblocked_at = 0,
    expires_at = VALUES(expires_at)`
	q = fmt.Sprintf(q, m.table(tableNameBlocks))

	_, err := m.db.ExecContext(ctx, q, b.Value, b.Reason, b.IsActive,
		b.IsManual, b.BlockedAt, b.ExpiresAt)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// BlockDeactivate marks the block entry for a value inactive. Deactivating
// a value with no active block is not an error.
//
// BlockDeactivate satisfies the reputation.DB interface.
func (m *mysql) BlockDeactivate(ctx context.Context, value string) error {
	log.Tracef("BlockDeactivate %v", value)

	q := `UPDATE %v SET is_active = FALSE, unblocked_at = ?
    WHERE value = ? AND is_active = TRUE`
	q = fmt.Sprintf(q, m.table(tableNameBlocks))

	_, err := m.db.ExecContext(ctx, q, time.Now().Unix(), value)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// BlocksDeactivateExpired deactivates all active blocks whose expiry has
// passed and returns the number of blocks deactivated. Permanent blocks
// carry a zero expiry and are never touched.
//
// BlocksDeactivateExpired satisfies the reputation.DB interface.
func (m *mysql) BlocksDeactivateExpired(ctx context.Context, now int64) (int64, error) {
	log.Tracef("BlocksDeactivateExpired %v", now)

	q := `UPDATE %v SET is_active = FALSE, unblocked_at = ?
    WHERE is_active = TRUE AND expires_at > 0 AND expires_at <= ?`
	q = fmt.Sprintf(q, m.table(tableNameBlocks))

	r, err := m.db.ExecContext(ctx, q, now, now)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	rowsAffected, err := r.RowsAffected()
	if err != nil {
		return 0, err
	}

	return rowsAffected, nil
}

// WhitelistContains returns whether an IP has an active whitelist entry.
//
// WhitelistContains satisfies the reputation.DB interface.
func (m *mysql) WhitelistContains(ctx context.Context, ip string) (bool, error) {
	log.Tracef("WhitelistContains %v", ip)

	q := `SELECT is_active FROM %v WHERE ip_address = ?`
	q = fmt.Sprintf(q, m.table(tableNameWhitelist))

	var isActive bool
	err := m.db.QueryRowContext(ctx, q, ip).Scan(&isActive)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, errors.WithStack(err)
	}

	return isActive, nil
}

// WhitelistUpsert creates or reactivates a whitelist entry for an IP.
//
// WhitelistUpsert satisfies the reputation.DB interface.
func (m *mysql) WhitelistUpsert(ctx context.Context, ip, reason string) error {
	log.Tracef("WhitelistUpsert %v", ip)

	q := `INSERT INTO %v (ip_address, reason, is_active, created_at)
    VALUES (?, ?, TRUE, ?)
    ON DUPLICATE KEY UPDATE
    reason = VALUES(reason),
    is_active = TRUE`
	q = fmt.Sprintf(q, m.table(tableNameWhitelist))

	_, err := m.db.ExecContext(ctx, q, ip, reason, time.Now().Unix())
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// WhitelistRemove deactivates the whitelist entry for an IP.
//
// WhitelistRemove satisfies the reputation.DB interface.
func (m *mysql) WhitelistRemove(ctx context.Context, ip string) error {
	log.Tracef("WhitelistRemove %v", ip)

	q := `UPDATE %v SET is_active = FALSE WHERE ip_address = ?`
	q = fmt.Sprintf(q, m.table(tableNameWhitelist))

	_, err := m.db.ExecContext(ctx, q, ip)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// ctxForOp returns a context and cancel function for a single database
// operation.
func (m *mysql) ctxForOp() (context.Context, func()) {
	return context.WithTimeout(context.Background(), m.opts.OpTimeout)
}
