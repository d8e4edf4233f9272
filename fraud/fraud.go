// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package fraud scores vote submissions for fraud signals. The pipeline
// runs a fixed battery of independent checks and composes them into a
// single risk score and a block/allow decision. Each check is cheap and
// self-contained; the expensive fingerprint reuse check consults a fast
// cache before falling back to a time-windowed database query.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	// RiskScoreMax caps the combined risk score.
	RiskScoreMax = 100

	// DefaultBlockScore is the combined score at or above which a
	// submission is blocked even when no individual check blocked it.
	DefaultBlockScore = 70

	// DefaultRapidWindow is the lookback window for the rapid-fire IP
	// check.
	DefaultRapidWindow = 5 * time.Minute

	// DefaultRapidMax is the number of votes from one IP inside the
	// rapid window at which the check trips.
	DefaultRapidMax = 3

	// DefaultConcentrationMin is the single-option vote count at which
	// the concentration check trips.
	DefaultConcentrationMin = 5

	// DefaultConcentrationBlock is the single-option vote count at
	// which the concentration check blocks.
	DefaultConcentrationBlock = 10

	// DefaultReuseWindow is the lookback window for the fingerprint
	// reuse check.
	DefaultReuseWindow = 1 * time.Hour
)

// ErrCacheMiss is returned by a Cache when no entry exists for a key.
var ErrCacheMiss = errors.New("cache miss")

// Submission contains the vote submission fields the pipeline inspects.
// Poll settings are carried inline so the pipeline does not need its own
// poll lookups.
type Submission struct {
	PollID      int64
	OptionID    int64
	VoterToken  string
	IPAddress   string
	UserAgent   string
	Fingerprint string

	// OptionCount is the number of options on the poll. The
	// concentration check is skipped for single-option polls.
	OptionCount int

	// VotingHours restricts voting to the listed hours of the day
	// (0-23). Empty means unrestricted. When strict, an out-of-hours
	// vote is blocked instead of just scored.
	VotingHours       []int
	VotingHoursStrict bool
}

// result is the outcome of a single check.
type result struct {
	Suspicious bool
	Reasons    []string
	Score      int
	Block      bool
}

var resultOK = result{}

// Assessment is the combined outcome of the full check battery.
type Assessment struct {
	// Suspicious indicates at least one check tripped. Suspicious
	// submissions that are not blocked are still recorded, but excluded
	// from aggregate counts.
	Suspicious bool

	// Reasons are the human-readable reasons from every check that
	// tripped.
	Reasons []string

	// RiskScore is the summed check scores, capped at RiskScoreMax.
	RiskScore int

	// Block indicates the submission must be rejected outright.
	Block bool

	// BlockFingerprint indicates the submission's fingerprint was
	// reused across voters or IPs and must be permanently blocked.
	BlockFingerprint bool
}

// Activity describes observed fingerprint activity within the reuse
// window: how many distinct voters and distinct IPs used the fingerprint
// on a poll.
type Activity struct {
	Voters int `msgpack:"voters"`
	IPs    int `msgpack:"ips"`
}

// Store provides the vote history queries the pipeline needs. The queries
// are read-only and scoped to a single poll.
type Store interface {
	// VoteCountByIP returns the number of votes an IP has cast on a
	// poll at or after the since timestamp.
	VoteCountByIP(ctx context.Context, pollID int64, ip string, since int64) (int64, error)

	// VotesByOption returns the per-option vote counts for a voter
	// token and IP on a poll. Either filter may be empty.
	VotesByOption(ctx context.Context, pollID int64, ip, voterToken string) (map[int64]int64, error)

	// FingerprintActivity returns the distinct voter and IP counts for
	// a fingerprint on a poll at or after the since timestamp.
	FingerprintActivity(ctx context.Context, fingerprint string, pollID int64, since int64) (*Activity, error)
}

// Cache is the fast path for the fingerprint reuse check. Implementations
// return ErrCacheMiss when no entry exists.
type Cache interface {
	ActivityGet(fingerprint string, pollID int64) (*Activity, error)
	ActivitySet(fingerprint string, pollID int64, a Activity) error
}

// Settings contains the pipeline thresholds. Zero values are replaced
// with the package defaults.
type Settings struct {
	BlockScore         int
	RapidWindow        time.Duration
	RapidMax           int64
	ConcentrationMin   int64
	ConcentrationBlock int64
	ReuseWindow        time.Duration
}

// Pipeline runs the fraud check battery.
type Pipeline struct {
	store    Store
	cache    Cache
	settings Settings

	now func() time.Time
}

// New returns a new fraud Pipeline. The cache may be nil, in which case
// the fingerprint reuse check always queries the store.
func New(store Store, cache Cache, settings Settings) *Pipeline {
	if settings.BlockScore == 0 {
		settings.BlockScore = DefaultBlockScore
	}
	if settings.RapidWindow == 0 {
		settings.RapidWindow = DefaultRapidWindow
	}
	if settings.RapidMax == 0 {
		settings.RapidMax = DefaultRapidMax
	}
	if settings.ConcentrationMin == 0 {
		settings.ConcentrationMin = DefaultConcentrationMin
	}
	if settings.ConcentrationBlock == 0 {
		settings.ConcentrationBlock = DefaultConcentrationBlock
	}
	if settings.ReuseWindow == 0 {
		settings.ReuseWindow = DefaultReuseWindow
	}
	return &Pipeline{
		store:    store,
		cache:    cache,
		settings: settings,
		now:      time.Now,
	}
}

// Run executes the full check battery against a submission and combines
// the results. A submission is blocked when any individual check blocks
// or when the combined score reaches the block score.
func (p *Pipeline) Run(ctx context.Context, s Submission) (*Assessment, error) {
	log.Tracef("Run poll %v option %v", s.PollID, s.OptionID)

	var a Assessment

	combine := func(r result) {
		if !r.Suspicious {
			return
		}
		a.Suspicious = true
		a.Reasons = append(a.Reasons, r.Reasons...)
		a.RiskScore += r.Score
		if r.Block {
			a.Block = true
		}
	}

	if s.IPAddress != "" {
		r, err := p.checkRapidIP(ctx, s)
		if err != nil {
			return nil, err
		}
		combine(r)
	}

	if s.IPAddress != "" || s.VoterToken != "" {
		r, err := p.checkConcentration(ctx, s)
		if err != nil {
			return nil, err
		}
		combine(r)
	}

	combine(checkFingerprintFormat(s.Fingerprint))

	if fingerprintWellFormed(s.Fingerprint) {
		r, err := p.checkFingerprintReuse(ctx, s)
		if err != nil {
			return nil, err
		}
		combine(r)
		if r.Block {
			a.BlockFingerprint = true
		}
	}

	combine(checkUserAgent(s.UserAgent))
	combine(p.checkVotingHours(s))

	if a.RiskScore >= p.settings.BlockScore {
		a.Block = true
	}
	if a.RiskScore > RiskScoreMax {
		a.RiskScore = RiskScoreMax
	}

	if a.Suspicious {
		log.Debugf("Suspicious submission on poll %v: score %v block %v "+
			"reasons %v", s.PollID, a.RiskScore, a.Block, a.Reasons)
	}

	return &a, nil
}

// checkRapidIP trips when one IP casts too many votes on a poll inside
// the rapid window.
func (p *Pipeline) checkRapidIP(ctx context.Context, s Submission) (result, error) {
	since := p.now().Add(-p.settings.RapidWindow).Unix()
	n, err := p.store.VoteCountByIP(ctx, s.PollID, s.IPAddress, since)
	if err != nil {
		return result{}, err
	}
	if n < p.settings.RapidMax {
		return resultOK, nil
	}
	return result{
		Suspicious: true,
		Reasons: []string{fmt.Sprintf("multiple votes (%v) from same "+
			"IP (%v) in %v", n, s.IPAddress, p.settings.RapidWindow)},
		Score: 50,
		Block: true,
	}, nil
}

// checkConcentration trips when every vote attributable to the voter or
// IP on a poll went to a single option.
func (p *Pipeline) checkConcentration(ctx context.Context, s Submission) (result, error) {
	if s.OptionCount < 2 {
		return resultOK, nil
	}
	votes, err := p.store.VotesByOption(ctx, s.PollID, s.IPAddress,
		s.VoterToken)
	if err != nil {
		return result{}, err
	}
	if len(votes) != 1 {
		return resultOK, nil
	}
	var n int64
	for _, v := range votes {
		n = v
	}
	if n < p.settings.ConcentrationMin {
		return resultOK, nil
	}
	return result{
		Suspicious: true,
		Reasons: []string{fmt.Sprintf("all %v votes go to a single "+
			"option", n)},
		Score: 40,
		Block: n >= p.settings.ConcentrationBlock,
	}, nil
}

// checkVotingHours trips when a poll restricts voting hours and the
// submission arrived outside them.
func (p *Pipeline) checkVotingHours(s Submission) result {
	if len(s.VotingHours) == 0 {
		return resultOK
	}
	hour := p.now().UTC().Hour()
	for _, h := range s.VotingHours {
		if h == hour {
			return resultOK
		}
	}
	return result{
		Suspicious: true,
		Reasons: []string{fmt.Sprintf("vote outside allowed hours "+
			"(current hour: %v)", hour)},
		Score: 25,
		Block: s.VotingHoursStrict,
	}
}
