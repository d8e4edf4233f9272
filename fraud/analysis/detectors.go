// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package analysis

import (
	"fmt"
	"sort"
)

// detectSingleIPSingleOption finds IPs whose votes all went to a single
// option. This is a strong bot or manipulation signal once the count
// clears the floor.
func (a *Analyzer) detectSingleIPSingleOption(votes []VoteSample) []Pattern {
	type ipStats struct {
		options map[int64]int
		voteIDs []int64
	}
	byIP := make(map[string]*ipStats)
	for _, v := range votes {
		if v.IPAddress == "" {
			continue
		}
		s, ok := byIP[v.IPAddress]
		if !ok {
			s = &ipStats{options: make(map[int64]int)}
			byIP[v.IPAddress] = s
		}
		s.options[v.OptionID]++
		s.voteIDs = append(s.voteIDs, v.ID)
	}

	// Sort the IPs so that repeated runs report patterns in a stable
	// order.
	ips := make([]string, 0, len(byIP))
	for ip := range byIP {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var patterns []Pattern
	for _, ip := range ips {
		s := byIP[ip]
		if len(s.options) != 1 {
			continue
		}
		var optionID int64
		var n int
		for id, c := range s.options {
			optionID = id
			n = c
		}
		if n < a.settings.SingleIPMin {
			continue
		}
		patterns = append(patterns, Pattern{
			Type:      PatternSingleIPSingleOption,
			RiskScore: capRisk(50 + n*5),
			Reason: fmt.Sprintf("single IP single option pattern: "+
				"%v votes from %v all go to option %v", n, ip,
				optionID),
			VoteIDs: s.voteIDs,
		})
	}

	return patterns
}

// detectTimeClusters finds bursts of votes arriving inside one cluster
// window. Votes are expected in creation order; a cluster is anchored at
// its first vote.
func (a *Analyzer) detectTimeClusters(votes []VoteSample) []Pattern {
	window := int64(a.settings.ClusterWindow.Seconds())

	var (
		patterns []Pattern
		cluster  []VoteSample
		start    int64
	)
	flush := func() {
		if len(cluster) < a.settings.ClusterMin {
			return
		}
		uniqueIPs := make(map[string]struct{})
		voteIDs := make([]int64, 0, len(cluster))
		for _, v := range cluster {
			if v.IPAddress != "" {
				uniqueIPs[v.IPAddress] = struct{}{}
			}
			voteIDs = append(voteIDs, v.ID)
		}
		risk := capRisk(40 + len(cluster)*2)
		if len(uniqueIPs) == 1 {
			risk = capRisk(risk + 20)
		}
		patterns = append(patterns, Pattern{
			Type:      PatternTimeClustered,
			RiskScore: risk,
			Reason: fmt.Sprintf("time clustered votes: %v votes in "+
				"%v seconds from %v IP(s)", len(cluster),
				cluster[len(cluster)-1].CreatedAt-start,
				len(uniqueIPs)),
			VoteIDs: voteIDs,
		})
	}

	for _, v := range votes {
		if len(cluster) == 0 || v.CreatedAt-start > window {
			flush()
			cluster = cluster[:0]
			start = v.CreatedAt
		}
		cluster = append(cluster, v)
	}
	flush()

	return patterns
}

// detectImpossibleTravel finds voters whose IP changed between two votes
// faster than any real relocation allows.
func (a *Analyzer) detectImpossibleTravel(votes []VoteSample) []Pattern {
	byVoter := make(map[string][]VoteSample)
	for _, v := range votes {
		if v.VoterToken == "" || v.IPAddress == "" {
			continue
		}
		byVoter[v.VoterToken] = append(byVoter[v.VoterToken], v)
	}

	voters := make([]string, 0, len(byVoter))
	for token := range byVoter {
		voters = append(voters, token)
	}
	sort.Strings(voters)

	var patterns []Pattern
	for _, token := range voters {
		vs := byVoter[token]
		if len(vs) < 2 {
			continue
		}
		sort.Slice(vs, func(i, j int) bool {
			return vs[i].CreatedAt < vs[j].CreatedAt
		})
		for i := 1; i < len(vs); i++ {
			prev, curr := vs[i-1], vs[i]
			dt := curr.CreatedAt - prev.CreatedAt
			if prev.IPAddress == curr.IPAddress || dt >= travelWindow {
				continue
			}
			patterns = append(patterns, Pattern{
				Type:      PatternGeographicAnomaly,
				RiskScore: 70,
				Reason: fmt.Sprintf("impossible travel: voter "+
					"changed IP from %v to %v in %v seconds",
					prev.IPAddress, curr.IPAddress, dt),
				VoteIDs: []int64{curr.ID},
			})
		}
	}

	return patterns
}

// detectUserAgentAnomalies finds one user agent shared by many distinct
// voters or IPs. Real traffic has diverse user agents; bot farms reuse
// one.
func (a *Analyzer) detectUserAgentAnomalies(votes []VoteSample) []Pattern {
	type uaStats struct {
		voters  map[string]struct{}
		ips     map[string]struct{}
		voteIDs []int64
	}
	byUA := make(map[string]*uaStats)
	for _, v := range votes {
		if v.UserAgent == "" {
			continue
		}
		s, ok := byUA[v.UserAgent]
		if !ok {
			s = &uaStats{
				voters: make(map[string]struct{}),
				ips:    make(map[string]struct{}),
			}
			byUA[v.UserAgent] = s
		}
		if v.VoterToken != "" {
			s.voters[v.VoterToken] = struct{}{}
		}
		if v.IPAddress != "" {
			s.ips[v.IPAddress] = struct{}{}
		}
		s.voteIDs = append(s.voteIDs, v.ID)
	}

	uas := make([]string, 0, len(byUA))
	for ua := range byUA {
		uas = append(uas, ua)
	}
	sort.Strings(uas)

	var patterns []Pattern
	for _, ua := range uas {
		s := byUA[ua]
		voters, ips := len(s.voters), len(s.ips)
		if voters < a.settings.UAVotersMin && ips < a.settings.UAVotersMin {
			continue
		}
		risk := capRisk(30 + voters*2 + ips*2)
		if ips == 1 && len(s.voteIDs) >= 10 {
			risk = capRisk(risk + 30)
		}
		patterns = append(patterns, Pattern{
			Type:      PatternUserAgentAnomaly,
			RiskScore: risk,
			Reason: fmt.Sprintf("user agent anomaly: same UA %q "+
				"used by %v voter(s) across %v IP(s)",
				truncate(ua, 100), voters, ips),
			VoteIDs: s.voteIDs,
		})
	}

	return patterns
}

func capRisk(n int) int {
	if n > riskScoreMax {
		return riskScoreMax
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
