// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package fraud

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// fingerprintMinLen is the minimum accepted fingerprint length. Client
// fingerprints are hex digests, 64 characters for SHA-256, but shorter
// legacy digests down to 32 characters are still accepted.
const fingerprintMinLen = 32

// checkFingerprintFormat validates the client-supplied fingerprint
// format. A missing fingerprint is suspicious but not blocking on its
// own; a malformed one blocks.
func checkFingerprintFormat(fingerprint string) result {
	if fingerprint == "" {
		return result{
			Suspicious: true,
			Reasons:    []string{"missing browser fingerprint"},
			Score:      20,
		}
	}
	if len(fingerprint) < fingerprintMinLen {
		return result{
			Suspicious: true,
			Reasons:    []string{"invalid fingerprint format (too short)"},
			Score:      30,
			Block:      true,
		}
	}
	if !isHex(fingerprint) {
		return result{
			Suspicious: true,
			Reasons:    []string{"invalid fingerprint format (not hexadecimal)"},
			Score:      30,
			Block:      true,
		}
	}
	return resultOK
}

// fingerprintWellFormed reports whether a fingerprint passed the format
// check. Only well formed fingerprints are subject to the reuse check.
func fingerprintWellFormed(fingerprint string) bool {
	return fingerprint != "" && len(fingerprint) >= fingerprintMinLen &&
		isHex(fingerprint)
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ActivityRefresh recomputes the cached activity for a fingerprint from
// the store. It is called after a vote carrying the fingerprint is
// recorded so the next reuse check sees the new vote without a cache
// miss.
func (p *Pipeline) ActivityRefresh(ctx context.Context, fingerprint string, pollID int64) error {
	log.Tracef("ActivityRefresh poll %v", pollID)

	if p.cache == nil || !fingerprintWellFormed(fingerprint) {
		return nil
	}
	since := p.now().Add(-p.settings.ReuseWindow).Unix()
	a, err := p.store.FingerprintActivity(ctx, fingerprint, pollID, since)
	if err != nil {
		return err
	}
	return p.cache.ActivitySet(fingerprint, pollID, *a)
}

// checkFingerprintReuse trips when a fingerprint has been used by
// multiple distinct voters or from multiple distinct IPs on the same poll
// within the reuse window. The check hits the activity cache first and
// falls back to a time-windowed store query on a miss, writing the result
// through to the cache.
func (p *Pipeline) checkFingerprintReuse(ctx context.Context, s Submission) (result, error) {
	var (
		a   *Activity
		err error
	)
	if p.cache != nil {
		a, err = p.cache.ActivityGet(s.Fingerprint, s.PollID)
		switch {
		case errors.Is(err, ErrCacheMiss):
			a = nil
		case err != nil:
			// The cache is an optimization. Fall back to the
			// store on errors.
			log.Errorf("fraud: activity cache get: %v", err)
			a = nil
		}
	}
	if a == nil {
		since := p.now().Add(-p.settings.ReuseWindow).Unix()
		a, err = p.store.FingerprintActivity(ctx, s.Fingerprint,
			s.PollID, since)
		if err != nil {
			return result{}, err
		}
		if p.cache != nil {
			err = p.cache.ActivitySet(s.Fingerprint, s.PollID, *a)
			if err != nil {
				log.Errorf("fraud: activity cache set: %v", err)
			}
		}
	}

	if a.Voters < 2 && a.IPs < 2 {
		return resultOK, nil
	}
	return result{
		Suspicious: true,
		Reasons: []string{fmt.Sprintf("fingerprint reused by %v "+
			"voter(s) across %v IP(s)", a.Voters, a.IPs)},
		Score: 80,
		Block: true,
	}, nil
}
