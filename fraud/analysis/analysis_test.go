// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package analysis

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// testStore is an in-memory Store with a fixed vote set.
type testStore struct {
	votes      []VoteSample
	alerts     map[int64]Alert // keyed by vote ID
	recomputes int
}

func newTestStore(votes []VoteSample) *testStore {
	return &testStore{
		votes:  votes,
		alerts: make(map[int64]Alert),
	}
}

func (s *testStore) ActivePollIDs(ctx context.Context) ([]int64, error) {
	return []int64{1}, nil
}

func (s *testStore) VotesByPollSince(ctx context.Context, pollID, since int64) ([]VoteSample, error) {
	var out []VoteSample
	for _, v := range s.votes {
		if v.PollID == pollID && v.CreatedAt >= since {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *testStore) AlertUpsert(ctx context.Context, a Alert) (bool, error) {
	if _, ok := s.alerts[a.VoteID]; ok {
		return false, nil
	}
	s.alerts[a.VoteID] = a
	return true, nil
}

func (s *testStore) VotesInvalidate(ctx context.Context, voteIDs []int64, reason string, riskScore int) (int64, error) {
	var n int64
	for _, id := range voteIDs {
		for i := range s.votes {
			if s.votes[i].ID == id && s.votes[i].IsValid {
				s.votes[i].IsValid = false
				n++
			}
		}
	}
	return n, nil
}

func (s *testStore) CountersRecompute(ctx context.Context, pollID int64) error {
	s.recomputes++
	return nil
}

func newTestAnalyzer(s Store) *Analyzer {
	a := New(s, Settings{})
	a.now = func() time.Time {
		return time.Unix(100000, 0)
	}
	return a
}

// singleIPVotes returns n valid votes for one option, all from one IP,
// one per minute so they do not also form a time cluster.
func singleIPVotes(n int, ip string, optionID int64) []VoteSample {
	votes := make([]VoteSample, 0, n)
	for i := 0; i < n; i++ {
		votes = append(votes, VoteSample{
			ID:         int64(i + 1),
			PollID:     1,
			OptionID:   optionID,
			VoterToken: fmt.Sprintf("voter%v", i),
			IPAddress:  ip,
			UserAgent:  fmt.Sprintf("Mozilla/5.0 (Agent %v)", i),
			IsValid:    true,
			CreatedAt:  90000 + int64(i)*120,
		})
	}
	return votes
}

func TestDetectSingleIPSingleOption(t *testing.T) {
	store := newTestStore(singleIPVotes(6, "1.2.3.4", 7))
	a := newTestAnalyzer(store)

	r, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Patterns) != 1 {
		t.Fatalf("patterns: got %v, want 1", len(r.Patterns))
	}
	p := r.Patterns[0]
	if p.Type != PatternSingleIPSingleOption {
		t.Errorf("type: got %v", p.Type)
	}
	// 50 + 6*5 = 80.
	if p.RiskScore != 80 {
		t.Errorf("risk: got %v, want 80", p.RiskScore)
	}
	if len(p.VoteIDs) != 6 {
		t.Errorf("vote IDs: got %v, want 6", len(p.VoteIDs))
	}

	// Risk 80 clears both the alert and flag thresholds.
	if r.AlertsCreated != 6 {
		t.Errorf("alerts: got %v, want 6", r.AlertsCreated)
	}
	if r.VotesFlagged != 6 {
		t.Errorf("flagged: got %v, want 6", r.VotesFlagged)
	}
	if store.recomputes != 1 {
		t.Errorf("recomputes: got %v, want 1", store.recomputes)
	}
}

func TestDetectSingleIPMixedOptions(t *testing.T) {
	// Same IP but votes across two options is not a pattern.
	votes := singleIPVotes(6, "1.2.3.4", 7)
	votes[0].OptionID = 8
	store := newTestStore(votes)
	a := newTestAnalyzer(store)

	r, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Patterns) != 0 {
		t.Errorf("patterns: got %v, want 0", len(r.Patterns))
	}
}

func TestDetectTimeClusters(t *testing.T) {
	// 12 votes from distinct IPs inside one minute.
	votes := make([]VoteSample, 0, 12)
	for i := 0; i < 12; i++ {
		votes = append(votes, VoteSample{
			ID:         int64(i + 1),
			PollID:     1,
			OptionID:   int64(i%2 + 1),
			VoterToken: fmt.Sprintf("voter%v", i),
			IPAddress:  fmt.Sprintf("10.0.0.%v", i),
			UserAgent:  fmt.Sprintf("Mozilla/5.0 (Agent %v)", i),
			IsValid:    true,
			CreatedAt:  99000 + int64(i)*4,
		})
	}
	store := newTestStore(votes)
	a := newTestAnalyzer(store)

	r, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Patterns) != 1 {
		t.Fatalf("patterns: got %v, want 1", len(r.Patterns))
	}
	p := r.Patterns[0]
	if p.Type != PatternTimeClustered {
		t.Errorf("type: got %v", p.Type)
	}
	// 40 + 12*2 = 64, distinct IPs so no bonus. Alerts but no flags.
	if p.RiskScore != 64 {
		t.Errorf("risk: got %v, want 64", p.RiskScore)
	}
	if r.VotesFlagged != 0 {
		t.Errorf("flagged: got %v, want 0", r.VotesFlagged)
	}
	if r.AlertsCreated != 10 {
		t.Errorf("alerts: got %v, want %v (capped)", r.AlertsCreated,
			alertVoteLimit)
	}
}

func TestDetectTimeClustersSameIPBonus(t *testing.T) {
	// The same burst from a single IP gains the +20 bonus and crosses
	// the flag threshold. It also matches the single IP detector when
	// every vote hits one option, so spread them over two options.
	votes := make([]VoteSample, 0, 12)
	for i := 0; i < 12; i++ {
		votes = append(votes, VoteSample{
			ID:         int64(i + 1),
			PollID:     1,
			OptionID:   int64(i%2 + 1),
			VoterToken: fmt.Sprintf("voter%v", i),
			IPAddress:  "1.2.3.4",
			UserAgent:  fmt.Sprintf("Mozilla/5.0 (Agent %v)", i),
			IsValid:    true,
			CreatedAt:  99000 + int64(i)*4,
		})
	}
	store := newTestStore(votes)
	a := newTestAnalyzer(store)

	r, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Patterns) != 1 {
		t.Fatalf("patterns: got %v, want 1", len(r.Patterns))
	}
	p := r.Patterns[0]
	// 40 + 12*2 + 20 = 84.
	if p.RiskScore != 84 {
		t.Errorf("risk: got %v, want 84", p.RiskScore)
	}
	if r.VotesFlagged != 12 {
		t.Errorf("flagged: got %v, want 12", r.VotesFlagged)
	}
}

func TestDetectImpossibleTravel(t *testing.T) {
	votes := []VoteSample{
		{ID: 1, PollID: 1, OptionID: 1, VoterToken: "voter1",
			IPAddress: "1.1.1.1", UserAgent: "Mozilla/5.0 (A)",
			IsValid: true, CreatedAt: 99000},
		{ID: 2, PollID: 1, OptionID: 2, VoterToken: "voter1",
			IPAddress: "8.8.8.8", UserAgent: "Mozilla/5.0 (A)",
			IsValid: true, CreatedAt: 99030},
	}
	store := newTestStore(votes)
	a := newTestAnalyzer(store)

	r, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Patterns) != 1 {
		t.Fatalf("patterns: got %v, want 1", len(r.Patterns))
	}
	p := r.Patterns[0]
	if p.Type != PatternGeographicAnomaly {
		t.Errorf("type: got %v", p.Type)
	}
	if p.RiskScore != 70 {
		t.Errorf("risk: got %v, want 70", p.RiskScore)
	}
	// Alerted but never flagged.
	if r.AlertsCreated != 1 {
		t.Errorf("alerts: got %v, want 1", r.AlertsCreated)
	}
	if r.VotesFlagged != 0 {
		t.Errorf("flagged: got %v, want 0", r.VotesFlagged)
	}
}

func TestDetectUserAgentAnomalies(t *testing.T) {
	// One UA shared by 10 voters on 10 IPs, one vote per minute.
	votes := make([]VoteSample, 0, 10)
	for i := 0; i < 10; i++ {
		votes = append(votes, VoteSample{
			ID:         int64(i + 1),
			PollID:     1,
			OptionID:   int64(i%2 + 1),
			VoterToken: fmt.Sprintf("voter%v", i),
			IPAddress:  fmt.Sprintf("10.0.0.%v", i),
			UserAgent:  "Mozilla/5.0 (Shared Farm Agent)",
			IsValid:    true,
			CreatedAt:  90000 + int64(i)*120,
		})
	}
	store := newTestStore(votes)
	a := newTestAnalyzer(store)

	r, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Patterns) != 1 {
		t.Fatalf("patterns: got %v, want 1", len(r.Patterns))
	}
	p := r.Patterns[0]
	if p.Type != PatternUserAgentAnomaly {
		t.Errorf("type: got %v", p.Type)
	}
	// 30 + 10*2 + 10*2 = 70.
	if p.RiskScore != 70 {
		t.Errorf("risk: got %v, want 70", p.RiskScore)
	}
}

func TestAnalyzeIdempotent(t *testing.T) {
	store := newTestStore(singleIPVotes(6, "1.2.3.4", 7))
	a := newTestAnalyzer(store)

	r1, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.AnalyzePoll(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	if r1.AlertsCreated == 0 {
		t.Fatal("first run created no alerts")
	}
	if r2.AlertsCreated != 0 {
		t.Errorf("second run created %v alerts, want 0", r2.AlertsCreated)
	}
	if r2.VotesFlagged != 0 {
		t.Errorf("second run flagged %v votes, want 0", r2.VotesFlagged)
	}
	if store.recomputes != 1 {
		t.Errorf("recomputes: got %v, want 1", store.recomputes)
	}
	if len(store.alerts) != 6 {
		t.Errorf("alerts stored: got %v, want 6", len(store.alerts))
	}
}

func TestAnalyzeAll(t *testing.T) {
	store := newTestStore(singleIPVotes(6, "1.2.3.4", 7))
	a := newTestAnalyzer(store)

	r, err := a.AnalyzeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(r.PollIDs) != 1 {
		t.Errorf("poll IDs: got %v, want 1", len(r.PollIDs))
	}
	if r.HighestRisk != 80 {
		t.Errorf("highest risk: got %v, want 80", r.HighestRisk)
	}
}
