// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mysql

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-test/deep"
	"github.com/provote/provote/reputation"
)

// AnyTime is a custom go-sqlmock type that matches any Unix timestamp
// argument.
type AnyTime struct{}

func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(int64)
	return ok
}

func setupTestDB(t *testing.T) (*mysql, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error %s while creating stub db conn", err)
	}

	m := &mysql{
		db: db,
		opts: &Opts{
			OpTimeout: time.Minute,
		},
	}

	return m, mock, func() {
		db.Close()
	}
}

func TestRecordSuccess(t *testing.T) {
	mdb, mock, close := setupTestDB(t)
	defer close()

	sql := `INSERT INTO ip_reputation
    (ip_address, score, violation_count, success_count, failure_count,
    last_seen, last_violation)
    VALUES (?, ?, 0, 1, 0, ?, 0)
    ON DUPLICATE KEY UPDATE
    success_count = success_count + 1,
    score = LEAST(score + 1, ?),
    last_seen = VALUES(last_seen)`

	mock.ExpectExec(regexp.QuoteMeta(sql)).
		WithArgs("1.2.3.4", reputation.ScoreMax, AnyTime{},
			reputation.ScoreMax).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := mdb.RecordSuccess(context.Background(), "1.2.3.4")
	if err != nil {
		t.Errorf("RecordSuccess unwanted error: %s", err)
	}

	err = mock.ExpectationsWereMet()
	if err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestRecordViolation(t *testing.T) {
	mdb, mock, close := setupTestDB(t)
	defer close()

	sqlUpsert := `INSERT INTO ip_reputation
    (ip_address, score, violation_count, success_count, failure_count,
    last_seen, last_violation)
    VALUES (?, GREATEST(? - ?, ?), 1, 0, 1, ?, ?)
    ON DUPLICATE KEY UPDATE
    violation_count = violation_count + 1,
    failure_count = failure_count + 1,
    score = GREATEST(score - ?, ?),
    last_seen = VALUES(last_seen),
    last_violation = VALUES(last_violation)`
	sqlSelect := `SELECT ip_address, score, violation_count, success_count,
    failure_count, last_seen, last_violation FROM ip_reputation
    WHERE ip_address = ?`

	now := time.Now().Unix()
	mock.ExpectExec(regexp.QuoteMeta(sqlUpsert)).
		WithArgs("1.2.3.4", reputation.ScoreMax, 20, reputation.ScoreMin,
			AnyTime{}, AnyTime{}, 20, reputation.ScoreMin).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(sqlSelect)).
		WithArgs("1.2.3.4").
		WillReturnRows(sqlmock.NewRows([]string{"ip_address", "score",
			"violation_count", "success_count", "failure_count",
			"last_seen", "last_violation"}).
			AddRow("1.2.3.4", 80, 1, 0, 1, now, now))

	r, err := mdb.RecordViolation(context.Background(), "1.2.3.4", 2)
	if err != nil {
		t.Fatalf("RecordViolation unwanted error: %s", err)
	}
	want := &reputation.Record{
		IPAddress:      "1.2.3.4",
		Score:          80,
		ViolationCount: 1,
		FailureCount:   1,
		LastSeen:       now,
		LastViolation:  now,
	}
	if diff := deep.Equal(r, want); diff != nil {
		t.Errorf("got/want diff: %v", diff)
	}

	err = mock.ExpectationsWereMet()
	if err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestBlockGet(t *testing.T) {
	mdb, mock, close := setupTestDB(t)
	defer close()

	sql := `SELECT value, reason, is_active, is_manual, blocked_at,
    unblocked_at, expires_at FROM blocks WHERE value = ?`

	mock.ExpectQuery(regexp.QuoteMeta(sql)).
		WithArgs("1.2.3.4").
		WillReturnRows(sqlmock.NewRows([]string{"value", "reason",
			"is_active", "is_manual", "blocked_at", "unblocked_at",
			"expires_at"}).
			AddRow("1.2.3.4", "abuse", true, false, int64(1000), int64(0),
				int64(2000)))

	b, err := mdb.BlockGet(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("BlockGet unwanted error: %s", err)
	}
	if !b.IsActive || b.Reason != "abuse" || b.ExpiresAt != 2000 {
		t.Errorf("unexpected block: %+v", b)
	}

	// Missing rows map to ErrNotFound.
	mock.ExpectQuery(regexp.QuoteMeta(sql)).
		WithArgs("9.9.9.9").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = mdb.BlockGet(context.Background(), "9.9.9.9")
	if err != reputation.ErrNotFound {
		t.Errorf("expecting ErrNotFound, got %v", err)
	}

	err = mock.ExpectationsWereMet()
	if err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestBlockUpsert(t *testing.T) {
	mdb, mock, close := setupTestDB(t)
	defer close()

	sql := `INSERT INTO blocks
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

	b := reputation.Block{
		Value:     "1.2.3.4",
		Reason:    "abuse",
		IsActive:  true,
		BlockedAt: 1000,
		ExpiresAt: 2000,
	}
	mock.ExpectExec(regexp.QuoteMeta(sql)).
		WithArgs(b.Value, b.Reason, b.IsActive, b.IsManual, b.BlockedAt,
			b.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := mdb.BlockUpsert(context.Background(), b)
	if err != nil {
		t.Errorf("BlockUpsert unwanted error: %s", err)
	}

	err = mock.ExpectationsWereMet()
	if err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestBlocksDeactivateExpired(t *testing.T) {
	mdb, mock, close := setupTestDB(t)
	defer close()

	sql := `UPDATE blocks SET is_active = FALSE, unblocked_at = ?
    WHERE is_active = TRUE AND expires_at > 0 AND expires_at <= ?`

	now := time.Now().Unix()
	mock.ExpectExec(regexp.QuoteMeta(sql)).
		WithArgs(now, now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := mdb.BlocksDeactivateExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("BlocksDeactivateExpired unwanted error: %s", err)
	}
	if n != 3 {
		t.Errorf("deactivated %v blocks, want 3", n)
	}

	err = mock.ExpectationsWereMet()
	if err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestWhitelistContains(t *testing.T) {
	mdb, mock, close := setupTestDB(t)
	defer close()

	sql := `SELECT is_active FROM ip_whitelist WHERE ip_address = ?`

	mock.ExpectQuery(regexp.QuoteMeta(sql)).
		WithArgs("10.0.0.1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).
			AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(sql)).
		WithArgs("1.2.3.4").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}))

	ok, err := mdb.WhitelistContains(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("whitelisted IP not found")
	}
	ok, err = mdb.WhitelistContains(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("unknown IP reported whitelisted")
	}

	err = mock.ExpectationsWereMet()
	if err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}
