// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package reputation tracks per-IP reputation and the IP/fingerprint block
// lists consulted on every vote. Reputation scores move with atomic counter
// updates so that the synchronous ingestion path and the background pattern
// analyzer can race on the same IP without losing updates.
package reputation

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	// ScoreMax is the best possible reputation score.
	ScoreMax = 100

	// ScoreMin is the worst possible reputation score.
	ScoreMin = 0

	// DefaultViolationThreshold is the violation count at which an IP is
	// automatically blocked.
	DefaultViolationThreshold = 5

	// DefaultScoreThreshold is the reputation score below which an IP is
	// automatically blocked.
	DefaultScoreThreshold = 30

	// DefaultAutoUnblock is the default duration after which an
	// automatic IP block expires. Manual blocks never expire.
	DefaultAutoUnblock = 24 * time.Hour
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is the per-IP reputation record. Scores start at ScoreMax; a
// successful vote nudges the score up by 1 and a violation of severity s
// drops it by 10*s. Scores are clamped to [ScoreMin, ScoreMax].
type Record struct {
	IPAddress      string
	Score          int
	ViolationCount int64
	SuccessCount   int64
	FailureCount   int64
	LastSeen       int64 // Unix timestamp
	LastViolation  int64 // Unix timestamp, 0 if never
}

// Block is a block list entry for an IP address or a device fingerprint.
// Blocks are deactivated, never deleted, so the history remains auditable.
type Block struct {
	Value       string // Blocked IP address or fingerprint
	Reason      string
	IsActive    bool
	IsManual    bool  // Manually created by an operator
	BlockedAt   int64 // Unix timestamp
	UnblockedAt int64 // Unix timestamp, 0 while active
	ExpiresAt   int64 // Unix timestamp, 0 for permanent blocks
}

// DB is the reputation store interface. The counter mutations must be
// implemented atomically (single UPDATE statements or equivalent), not as
// read-modify-write, because the ingestion path and the analyzer both
// write to the same rows.
type DB interface {
	// RecordGet returns the reputation record for an IP, or ErrNotFound.
	RecordGet(ctx context.Context, ip string) (*Record, error)

	// RecordSuccess atomically bumps the success counters and nudges
	// the score up by 1, capped at ScoreMax. The record is created if it
	// does not exist.
	RecordSuccess(ctx context.Context, ip string) error

	// RecordViolation atomically bumps the violation counters and drops
	// the score by 10*severity, floored at ScoreMin. The record is
	// created if it does not exist. The updated record is returned so
	// the caller can apply auto-block policy.
	RecordViolation(ctx context.Context, ip string, severity int) (*Record, error)

	// BlockGet returns the block entry for an IP or fingerprint value,
	// active or not, or ErrNotFound.
	BlockGet(ctx context.Context, value string) (*Block, error)

	// BlockUpsert creates the block entry or reactivates an existing
	// one with the provided fields.
	BlockUpsert(ctx context.Context, b Block) error

	// BlockDeactivate marks the block entry for a value inactive.
	// Deactivating a value with no active block is not an error.
	BlockDeactivate(ctx context.Context, value string) error

	// BlocksDeactivateExpired deactivates all active IP blocks whose
	// expiry is at or before the provided unix time and returns the
	// number of blocks deactivated.
	BlocksDeactivateExpired(ctx context.Context, now int64) (int64, error)

	// WhitelistContains returns whether the IP has an active whitelist
	// entry.
	WhitelistContains(ctx context.Context, ip string) (bool, error)

	// WhitelistUpsert creates or reactivates a whitelist entry.
	WhitelistUpsert(ctx context.Context, ip, reason string) error

	// WhitelistRemove deactivates the whitelist entry for an IP.
	WhitelistRemove(ctx context.Context, ip string) error
}

// Policy contains the auto-block policy knobs. The zero value is replaced
// with the package defaults.
type Policy struct {
	ViolationThreshold int64         // Auto-block at this many violations
	ScoreThreshold     int           // Auto-block below this score
	AutoUnblock        time.Duration // Expiry applied to automatic blocks
}

// Ledger applies reputation policy on top of a DB.
type Ledger struct {
	db     DB
	policy Policy
}

// New returns a new reputation Ledger.
func New(db DB, policy Policy) *Ledger {
	if policy.ViolationThreshold == 0 {
		policy.ViolationThreshold = DefaultViolationThreshold
	}
	if policy.ScoreThreshold == 0 {
		policy.ScoreThreshold = DefaultScoreThreshold
	}
	if policy.AutoUnblock == 0 {
		policy.AutoUnblock = DefaultAutoUnblock
	}
	return &Ledger{
		db:     db,
		policy: policy,
	}
}

// RecordSuccess records a successful vote from an IP.
func (l *Ledger) RecordSuccess(ctx context.Context, ip string) error {
	log.Tracef("RecordSuccess %v", ip)

	if ip == "" {
		return nil
	}
	return l.db.RecordSuccess(ctx, ip)
}

// RecordViolation records a violation of the provided severity (1-5) from
// an IP and applies the auto-block policy: the IP is blocked, with an
// expiring block, once it crosses the violation count threshold or its
// score falls below the score threshold. Whitelisted IPs never accrue
// violations. The created block is returned when one was applied.
func (l *Ledger) RecordViolation(ctx context.Context, ip, reason string, severity int) (*Block, error) {
	log.Tracef("RecordViolation %v severity %v", ip, severity)

	if ip == "" {
		return nil, nil
	}
	whitelisted, err := l.db.WhitelistContains(ctx, ip)
	if err != nil {
		return nil, err
	}
	if whitelisted {
		log.Debugf("Skipping violation for whitelisted IP %v", ip)
		return nil, nil
	}

	r, err := l.db.RecordViolation(ctx, ip, severity)
	if err != nil {
		return nil, err
	}

	if r.ViolationCount < l.policy.ViolationThreshold &&
		r.Score >= l.policy.ScoreThreshold {
		return nil, nil
	}

	// Threshold crossed. Leave existing active blocks alone.
	blocked, _, err := l.IsIPBlocked(ctx, ip)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, nil
	}

	b := Block{
		Value: ip,
		Reason: errors.Errorf("auto-blocked: %v (violations: %v, score: %v)",
			reason, r.ViolationCount, r.Score).Error(),
		IsActive:  true,
		BlockedAt: time.Now().Unix(),
		ExpiresAt: time.Now().Add(l.policy.AutoUnblock).Unix(),
	}
	err = l.db.BlockUpsert(ctx, b)
	if err != nil {
		return nil, err
	}

	log.Infof("Blocked IP %v: %v", ip, b.Reason)

	return &b, nil
}

// IsIPBlocked returns whether an IP is currently blocked along with the
// block reason. Whitelisted IPs are never blocked. Expired blocks are
// deactivated on the way out.
func (l *Ledger) IsIPBlocked(ctx context.Context, ip string) (bool, string, error) {
	log.Tracef("IsIPBlocked %v", ip)

	if ip == "" {
		return false, "", nil
	}
	whitelisted, err := l.db.WhitelistContains(ctx, ip)
	if err != nil {
		return false, "", err
	}
	if whitelisted {
		return false, "", nil
	}

	b, err := l.db.BlockGet(ctx, ip)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, "", nil
	case err != nil:
		return false, "", err
	}
	if !b.IsActive {
		return false, "", nil
	}
	if b.ExpiresAt != 0 && b.ExpiresAt <= time.Now().Unix() {
		err := l.db.BlockDeactivate(ctx, ip)
		if err != nil {
			return false, "", err
		}
		log.Infof("Auto-unblocked IP %v (expiry reached)", ip)
		return false, "", nil
	}

	return true, b.Reason, nil
}

// BlockIP blocks an IP address. Manual blocks are permanent; automatic
// blocks carry the policy expiry. Blocking a whitelisted IP is an error.
func (l *Ledger) BlockIP(ctx context.Context, ip, reason string, manual bool) error {
	log.Tracef("BlockIP %v", ip)

	whitelisted, err := l.db.WhitelistContains(ctx, ip)
	if err != nil {
		return err
	}
	if whitelisted {
		return errors.Errorf("cannot block whitelisted IP %v", ip)
	}

	b := Block{
		Value:     ip,
		Reason:    reason,
		IsActive:  true,
		IsManual:  manual,
		BlockedAt: time.Now().Unix(),
	}
	if !manual {
		b.ExpiresAt = time.Now().Add(l.policy.AutoUnblock).Unix()
	}
	err = l.db.BlockUpsert(ctx, b)
	if err != nil {
		return err
	}

	log.Infof("Blocked IP %v: %v (manual=%v)", ip, reason, manual)

	return nil
}

// UnblockIP deactivates the active block for an IP.
func (l *Ledger) UnblockIP(ctx context.Context, ip string) error {
	log.Tracef("UnblockIP %v", ip)

	return l.db.BlockDeactivate(ctx, ip)
}

// IsFingerprintBlocked returns whether a device fingerprint is blocked.
// Fingerprint blocks are permanent until manually cleared, so there is no
// expiry handling here.
func (l *Ledger) IsFingerprintBlocked(ctx context.Context, fingerprint string) (bool, string, error) {
	log.Tracef("IsFingerprintBlocked")

	if fingerprint == "" {
		return false, "", nil
	}
	b, err := l.db.BlockGet(ctx, fingerprint)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, "", nil
	case err != nil:
		return false, "", err
	}
	if !b.IsActive {
		return false, "", nil
	}

	return true, b.Reason, nil
}

// BlockFingerprint permanently blocks a device fingerprint.
func (l *Ledger) BlockFingerprint(ctx context.Context, fingerprint, reason string) error {
	log.Tracef("BlockFingerprint")

	err := l.db.BlockUpsert(ctx, Block{
		Value:     fingerprint,
		Reason:    reason,
		IsActive:  true,
		BlockedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	log.Infof("Blocked fingerprint %v: %v", fingerprint, reason)

	return nil
}

// UnblockFingerprint deactivates the block for a fingerprint.
func (l *Ledger) UnblockFingerprint(ctx context.Context, fingerprint string) error {
	log.Tracef("UnblockFingerprint")

	return l.db.BlockDeactivate(ctx, fingerprint)
}

// WhitelistIP whitelists an IP address. An actively blocked IP is
// unblocked as part of whitelisting.
func (l *Ledger) WhitelistIP(ctx context.Context, ip, reason string) error {
	log.Tracef("WhitelistIP %v", ip)

	err := l.db.WhitelistUpsert(ctx, ip, reason)
	if err != nil {
		return err
	}
	err = l.db.BlockDeactivate(ctx, ip)
	if err != nil {
		return err
	}

	log.Infof("Whitelisted IP %v: %v", ip, reason)

	return nil
}

// RemoveWhitelist removes an IP from the whitelist.
func (l *Ledger) RemoveWhitelist(ctx context.Context, ip string) error {
	log.Tracef("RemoveWhitelist %v", ip)

	return l.db.WhitelistRemove(ctx, ip)
}

// UnblockExpired deactivates all IP blocks whose expiry has passed. This
// is invoked periodically by the background scheduler.
func (l *Ledger) UnblockExpired(ctx context.Context) (int64, error) {
	log.Tracef("UnblockExpired")

	n, err := l.db.BlocksDeactivateExpired(ctx, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("Auto-unblocked %v expired IP block(s)", n)
	}

	return n, nil
}
