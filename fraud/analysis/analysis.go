// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package analysis implements the background vote pattern analyzer. The
// analyzer periodically re-scans recent votes for coordinated attack
// patterns that the synchronous fraud pipeline cannot see, creates fraud
// alerts for them, and retroactively invalidates the highest-risk votes.
//
// The analyzer only ever appends flags. It never runs on the synchronous
// vote path and it is idempotent: re-running it over the same window
// creates no duplicate alerts and flags no vote twice.
package analysis

import (
	"context"
	"fmt"
	"time"
)

// Pattern types.
const (
	PatternSingleIPSingleOption = "single_ip_single_option"
	PatternTimeClustered        = "time_clustered"
	PatternGeographicAnomaly    = "geographic_anomaly"
	PatternUserAgentAnomaly     = "user_agent_anomaly"
)

const (
	// riskScoreMax caps every pattern risk score.
	riskScoreMax = 100

	// DefaultLookback is the analysis window.
	DefaultLookback = 24 * time.Hour

	// DefaultClusterWindow is the burst window for the time cluster
	// detector.
	DefaultClusterWindow = 60 * time.Second

	// DefaultClusterMin is the number of votes inside one burst window
	// at which a cluster is suspicious.
	DefaultClusterMin = 10

	// DefaultSingleIPMin is the single-option vote count floor for the
	// single IP detector.
	DefaultSingleIPMin = 5

	// DefaultUAVotersMin is the distinct voter/IP count at which a
	// shared user agent is suspicious.
	DefaultUAVotersMin = 10

	// DefaultAlertThreshold is the risk score at which a pattern
	// produces fraud alerts.
	DefaultAlertThreshold = 60

	// DefaultFlagThreshold is the risk score at which a pattern
	// retroactively invalidates its votes.
	DefaultFlagThreshold = 80

	// travelWindow is the maximum seconds between two votes from
	// different IPs for the same voter that counts as impossible
	// travel.
	travelWindow = 60

	// alertVoteLimit caps how many votes of one pattern receive an
	// alert.
	alertVoteLimit = 10
)

// VoteSample is the vote projection the analyzer scans. Samples are
// ordered by creation time.
type VoteSample struct {
	ID         int64
	PollID     int64
	OptionID   int64
	VoterToken string
	IPAddress  string
	UserAgent  string
	IsValid    bool
	CreatedAt  int64 // Unix timestamp
}

// Alert is a fraud alert produced for a single vote. Alerts are created
// with get-or-create semantics keyed by vote ID.
type Alert struct {
	VoteID    int64
	PollID    int64
	IPAddress string
	Reasons   string
	RiskScore int
	CreatedAt int64 // Unix timestamp
}

// Pattern is one detected suspicious pattern and the votes that matched
// it.
type Pattern struct {
	Type      string
	RiskScore int
	Reason    string
	VoteIDs   []int64
}

// Report summarizes one analyzer run.
type Report struct {
	PollIDs       []int64
	Patterns      []Pattern
	AlertsCreated int
	VotesFlagged  int64
	HighestRisk   int
}

// Store provides the vote queries and mutations the analyzer needs.
type Store interface {
	// ActivePollIDs returns the IDs of all active polls.
	ActivePollIDs(ctx context.Context) ([]int64, error)

	// VotesByPollSince returns all votes on a poll created at or after
	// the since timestamp, ordered by creation time.
	VotesByPollSince(ctx context.Context, pollID, since int64) ([]VoteSample, error)

	// AlertUpsert creates a fraud alert unless one already exists for
	// the vote. It returns whether an alert was created.
	AlertUpsert(ctx context.Context, a Alert) (bool, error)

	// VotesInvalidate marks the currently valid votes in the ID list
	// invalid with the provided reason and risk score, returning the
	// number of votes updated.
	VotesInvalidate(ctx context.Context, voteIDs []int64, reason string, riskScore int) (int64, error)

	// CountersRecompute recomputes a poll's cached aggregate counters
	// from its valid votes.
	CountersRecompute(ctx context.Context, pollID int64) error
}

// Settings contains the analyzer thresholds. Zero values are replaced
// with the package defaults.
type Settings struct {
	Lookback       time.Duration
	ClusterWindow  time.Duration
	ClusterMin     int
	SingleIPMin    int
	UAVotersMin    int
	AlertThreshold int
	FlagThreshold  int
}

// Analyzer scans recent votes for coordinated attack patterns.
type Analyzer struct {
	store    Store
	settings Settings

	now func() time.Time
}

// New returns a new pattern Analyzer.
func New(store Store, settings Settings) *Analyzer {
	if settings.Lookback == 0 {
		settings.Lookback = DefaultLookback
	}
	if settings.ClusterWindow == 0 {
		settings.ClusterWindow = DefaultClusterWindow
	}
	if settings.ClusterMin == 0 {
		settings.ClusterMin = DefaultClusterMin
	}
	if settings.SingleIPMin == 0 {
		settings.SingleIPMin = DefaultSingleIPMin
	}
	if settings.UAVotersMin == 0 {
		settings.UAVotersMin = DefaultUAVotersMin
	}
	if settings.AlertThreshold == 0 {
		settings.AlertThreshold = DefaultAlertThreshold
	}
	if settings.FlagThreshold == 0 {
		settings.FlagThreshold = DefaultFlagThreshold
	}
	return &Analyzer{
		store:    store,
		settings: settings,
		now:      time.Now,
	}
}

// AnalyzeAll runs the analyzer over every active poll.
func (a *Analyzer) AnalyzeAll(ctx context.Context) (*Report, error) {
	log.Tracef("AnalyzeAll")

	pollIDs, err := a.store.ActivePollIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := Report{
		PollIDs: pollIDs,
	}
	for _, pollID := range pollIDs {
		r, err := a.AnalyzePoll(ctx, pollID)
		if err != nil {
			return nil, err
		}
		report.Patterns = append(report.Patterns, r.Patterns...)
		report.AlertsCreated += r.AlertsCreated
		report.VotesFlagged += r.VotesFlagged
		if r.HighestRisk > report.HighestRisk {
			report.HighestRisk = r.HighestRisk
		}
	}

	log.Infof("Pattern analysis: %v poll(s), %v pattern(s), %v alert(s), "+
		"%v vote(s) flagged", len(pollIDs), len(report.Patterns),
		report.AlertsCreated, report.VotesFlagged)

	return &report, nil
}

// AnalyzePoll runs the full detector battery over one poll's recent
// votes, creates alerts for patterns above the alert threshold, and
// invalidates the votes of patterns above the flag threshold. Aggregate
// counters are recomputed when any vote was invalidated.
func (a *Analyzer) AnalyzePoll(ctx context.Context, pollID int64) (*Report, error) {
	log.Tracef("AnalyzePoll %v", pollID)

	since := a.now().Add(-a.settings.Lookback).Unix()
	votes, err := a.store.VotesByPollSince(ctx, pollID, since)
	if err != nil {
		return nil, err
	}

	report := Report{
		PollIDs: []int64{pollID},
	}
	if len(votes) == 0 {
		return &report, nil
	}

	patterns := a.detectSingleIPSingleOption(votes)
	patterns = append(patterns, a.detectTimeClusters(votes)...)
	patterns = append(patterns, a.detectImpossibleTravel(votes)...)
	patterns = append(patterns, a.detectUserAgentAnomalies(votes)...)
	report.Patterns = patterns

	var flagged bool
	for _, p := range patterns {
		if p.RiskScore > report.HighestRisk {
			report.HighestRisk = p.RiskScore
		}

		log.Debugf("Poll %v pattern %v score %v: %v (%v vote(s))",
			pollID, p.Type, p.RiskScore, p.Reason, len(p.VoteIDs))

		if p.RiskScore >= a.settings.AlertThreshold {
			n, err := a.alertVotes(ctx, pollID, votes, p)
			if err != nil {
				return nil, err
			}
			report.AlertsCreated += n
		}

		if p.RiskScore >= a.settings.FlagThreshold && flaggable(p.Type) {
			reason := fmt.Sprintf("flagged by pattern analysis: %v "+
				"(risk score: %v)", p.Type, p.RiskScore)
			n, err := a.store.VotesInvalidate(ctx, p.VoteIDs, reason,
				p.RiskScore)
			if err != nil {
				return nil, err
			}
			report.VotesFlagged += n
			if n > 0 {
				flagged = true
			}
		}
	}

	if flagged {
		err = a.store.CountersRecompute(ctx, pollID)
		if err != nil {
			return nil, err
		}
	}

	return &report, nil
}

// flaggable returns whether a pattern type is conclusive enough to
// retroactively invalidate votes. Travel and user agent anomalies only
// ever produce alerts.
func flaggable(patternType string) bool {
	switch patternType {
	case PatternSingleIPSingleOption, PatternTimeClustered:
		return true
	}
	return false
}

// alertVotes creates get-or-create fraud alerts for the first
// alertVoteLimit votes of a pattern and returns the number of alerts
// actually created.
func (a *Analyzer) alertVotes(ctx context.Context, pollID int64, votes []VoteSample, p Pattern) (int, error) {
	byID := make(map[int64]*VoteSample, len(votes))
	for i := range votes {
		byID[votes[i].ID] = &votes[i]
	}

	var created int
	voteIDs := p.VoteIDs
	if len(voteIDs) > alertVoteLimit {
		voteIDs = voteIDs[:alertVoteLimit]
	}
	for _, voteID := range voteIDs {
		var ip string
		if v, ok := byID[voteID]; ok {
			ip = v.IPAddress
		}
		ok, err := a.store.AlertUpsert(ctx, Alert{
			VoteID:    voteID,
			PollID:    pollID,
			IPAddress: ip,
			Reasons:   p.Reason,
			RiskScore: p.RiskScore,
			CreatedAt: a.now().Unix(),
		})
		if err != nil {
			return 0, err
		}
		if ok {
			created++
		}
	}

	return created, nil
}
