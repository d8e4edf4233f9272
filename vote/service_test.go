// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/provote/provote/fraud"
	"github.com/provote/provote/idemp"
	"github.com/provote/provote/reputation"
)

// memDB is an in-memory vote ledger that also serves the fraud pipeline
// queries so tests exercise the full ingestion path end to end.
type memDB struct {
	mu       sync.Mutex
	nextID   int64
	votes    map[int64]Vote
	byVoter  map[string]int64
	attempts []Attempt
	alerts   map[int64]FraudAlert
	polls    map[int64]*Poll
	options  map[int64]*Option
	locks    map[string]*sync.Mutex
}

func newMemDB() *memDB {
	return &memDB{
		votes:   make(map[int64]Vote),
		byVoter: make(map[string]int64),
		alerts:  make(map[int64]FraudAlert),
		polls:   make(map[int64]*Poll),
		options: make(map[int64]*Option),
		locks:   make(map[string]*sync.Mutex),
	}
}

func voterKey(pollID int64, token string) string {
	return fmt.Sprintf("%v:%v", pollID, token)
}

func (d *memDB) voterLock(pollID int64, token string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := voterKey(pollID, token)
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	return l
}

func (d *memDB) WithVoterLock(ctx context.Context, pollID int64, token string, fn func(Tx) error) error {
	l := d.voterLock(pollID, token)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{db: d}
	err := fn(tx)
	if err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (d *memDB) VoteGet(ctx context.Context, voteID int64) (*Vote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.votes[voteID]
	if !ok {
		return nil, Error{
			Kind:   ErrorKindInvalidVote,
			Detail: fmt.Sprintf("vote %v not found", voteID),
		}
	}
	return &v, nil
}

func (d *memDB) AttemptNew(ctx context.Context, a Attempt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, a)
	return nil
}

func (d *memDB) AlertNew(ctx context.Context, a FraudAlert) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.alerts[a.VoteID]; ok {
		return false, nil
	}
	d.alerts[a.VoteID] = a
	return true, nil
}

func (d *memDB) PollGet(ctx context.Context, pollID int64) (*Poll, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.polls[pollID]
	if !ok {
		return nil, Error{
			Kind:   ErrorKindPollNotFound,
			Detail: fmt.Sprintf("poll %v not found", pollID),
		}
	}
	cp := *p
	for _, o := range d.options {
		if o.PollID == pollID {
			cp.OptionCount++
		}
	}
	return &cp, nil
}

func (d *memDB) OptionGet(ctx context.Context, optionID int64) (*Option, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.options[optionID]
	if !ok {
		return nil, Error{
			Kind:   ErrorKindInvalidVote,
			Detail: fmt.Sprintf("option %v not found", optionID),
		}
	}
	cp := *o
	return &cp, nil
}

func (d *memDB) VoteCountByIP(ctx context.Context, pollID int64, ip string, since int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, v := range d.votes {
		if v.PollID == pollID && v.IPAddress == ip && v.CreatedAt >= since {
			n++
		}
	}
	return n, nil
}

func (d *memDB) VotesByOption(ctx context.Context, pollID int64, ip, token string) (map[int64]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[int64]int64)
	for _, v := range d.votes {
		if v.PollID != pollID {
			continue
		}
		if ip != "" && v.IPAddress != ip {
			continue
		}
		if token != "" && v.VoterToken != token {
			continue
		}
		counts[v.OptionID]++
	}
	return counts, nil
}

func (d *memDB) FingerprintActivity(ctx context.Context, fingerprint string, pollID int64, since int64) (*fraud.Activity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	voters := make(map[string]struct{})
	ips := make(map[string]struct{})
	for _, v := range d.votes {
		if v.Fingerprint != fingerprint || v.PollID != pollID ||
			v.CreatedAt < since {
			continue
		}
		voters[v.VoterToken] = struct{}{}
		ips[v.IPAddress] = struct{}{}
	}
	return &fraud.Activity{
		Voters: len(voters),
		IPs:    len(ips),
	}, nil
}

func (d *memDB) voteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.votes)
}

func (d *memDB) allAttempts() []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Attempt(nil), d.attempts...)
}

func (d *memDB) failedAttempts() []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	var failed []Attempt
	for _, a := range d.attempts {
		if !a.Success {
			failed = append(failed, a)
		}
	}
	return failed
}

// memTx stages writes and applies them only when fn succeeds.
type memTx struct {
	db       *memDB
	inserted []Vote
	deleted  []int64
	attempts []Attempt
}

func (t *memTx) VoteByVoter(pollID int64, token string) (*Vote, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	id, ok := t.db.byVoter[voterKey(pollID, token)]
	if !ok {
		return nil, nil
	}
	v := t.db.votes[id]
	return &v, nil
}

func (t *memTx) VoteNew(v Vote) (*Vote, error) {
	t.db.mu.Lock()
	t.db.nextID++
	v.ID = t.db.nextID
	t.db.mu.Unlock()
	t.inserted = append(t.inserted, v)
	return &v, nil
}

func (t *memTx) VoteDel(v Vote) error {
	t.deleted = append(t.deleted, v.ID)
	return nil
}

func (t *memTx) AttemptNew(a Attempt) error {
	t.attempts = append(t.attempts, a)
	return nil
}

func (t *memTx) commit() {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, v := range t.inserted {
		t.db.votes[v.ID] = v
		t.db.byVoter[voterKey(v.PollID, v.VoterToken)] = v.ID
	}
	for _, id := range t.deleted {
		v, ok := t.db.votes[id]
		if !ok {
			continue
		}
		delete(t.db.votes, id)
		delete(t.db.byVoter, voterKey(v.PollID, v.VoterToken))
	}
	t.db.attempts = append(t.db.attempts, t.attempts...)
}

// repDB is an in-memory reputation store.
type repDB struct {
	mu        sync.Mutex
	records   map[string]*reputation.Record
	blocks    map[string]*reputation.Block
	whitelist map[string]bool
}

func newRepDB() *repDB {
	return &repDB{
		records:   make(map[string]*reputation.Record),
		blocks:    make(map[string]*reputation.Block),
		whitelist: make(map[string]bool),
	}
}

func (d *repDB) record(ip string) *reputation.Record {
	r, ok := d.records[ip]
	if !ok {
		r = &reputation.Record{
			IPAddress: ip,
			Score:     reputation.ScoreMax,
		}
		d.records[ip] = r
	}
	return r
}

func (d *repDB) RecordGet(ctx context.Context, ip string) (*reputation.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[ip]
	if !ok {
		return nil, reputation.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (d *repDB) RecordSuccess(ctx context.Context, ip string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.record(ip)
	r.SuccessCount++
	if r.Score < reputation.ScoreMax {
		r.Score++
	}
	return nil
}

func (d *repDB) RecordViolation(ctx context.Context, ip string, severity int) (*reputation.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.record(ip)
	r.ViolationCount++
	r.FailureCount++
	r.Score -= 10 * severity
	if r.Score < reputation.ScoreMin {
		r.Score = reputation.ScoreMin
	}
	cp := *r
	return &cp, nil
}

func (d *repDB) BlockGet(ctx context.Context, value string) (*reputation.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[value]
	if !ok {
		return nil, reputation.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (d *repDB) BlockUpsert(ctx context.Context, b reputation.Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[b.Value] = &b
	return nil
}

func (d *repDB) BlockDeactivate(ctx context.Context, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.blocks[value]; ok {
		b.IsActive = false
	}
	return nil
}

func (d *repDB) BlocksDeactivateExpired(ctx context.Context, now int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, b := range d.blocks {
		if b.IsActive && b.ExpiresAt > 0 && b.ExpiresAt <= now {
			b.IsActive = false
			n++
		}
	}
	return n, nil
}

func (d *repDB) WhitelistContains(ctx context.Context, ip string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.whitelist[ip], nil
}

func (d *repDB) WhitelistUpsert(ctx context.Context, ip, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.whitelist[ip] = true
	return nil
}

func (d *repDB) WhitelistRemove(ctx context.Context, ip string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.whitelist, ip)
	return nil
}

// pubRecorder records published vote events.
type pubRecorder struct {
	mu     sync.Mutex
	events [][2]int64
}

func (p *pubRecorder) Publish(pollID, voteID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, [2]int64{pollID, voteID})
}

func (p *pubRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// cacheRecorder records results cache invalidations.
type cacheRecorder struct {
	mu    sync.Mutex
	polls []int64
}

func (c *cacheRecorder) Invalidate(ctx context.Context, pollID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls = append(c.polls, pollID)
	return nil
}

func setupTestService(t *testing.T) (*Service, *memDB, *repDB, *pubRecorder, *cacheRecorder) {
	t.Helper()

	db := newMemDB()
	now := time.Now().Unix()
	db.polls[1] = &Poll{
		ID:       1,
		IsActive: true,
		StartsAt: now - 3600,
	}
	db.polls[2] = &Poll{
		ID:       2,
		StartsAt: now - 3600,
	}
	db.polls[3] = &Poll{
		ID:       3,
		IsActive: true,
		StartsAt: now - 7200,
		EndsAt:   now - 3600,
	}
	db.polls[4] = &Poll{
		ID:              4,
		IsActive:        true,
		AllowRetraction: true,
		StartsAt:        now - 3600,
	}
	db.options[10] = &Option{ID: 10, PollID: 1, Text: "yes"}
	db.options[11] = &Option{ID: 11, PollID: 1, Text: "no"}
	db.options[40] = &Option{ID: 40, PollID: 4, Text: "yes"}
	db.options[41] = &Option{ID: 41, PollID: 4, Text: "no"}

	rdb := newRepDB()
	rep := reputation.New(rdb, reputation.Policy{})
	pipeline := fraud.New(db, fraud.NewMemCache(0), fraud.Settings{})
	pub := &pubRecorder{}
	cache := &cacheRecorder{}
	svc := New(db, db, idemp.NewMem(0), pipeline, rep, cache, pub)

	return svc, db, rdb, pub, cache
}

// testFingerprint returns a well formed fingerprint unique to the seed.
func testFingerprint(seed int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("fp:%d", seed)))
	return hex.EncodeToString(h[:])
}

func testSubmission(userID int64) Submission {
	return Submission{
		UserID:      userID,
		PollID:      1,
		OptionID:    10,
		Fingerprint: testFingerprint(userID),
		IPAddress:   fmt.Sprintf("10.0.0.%v", userID),
		UserAgent:   "Mozilla/5.0 (X11; Linux x86_64) Firefox/115.0",
	}
}

func TestSubmitVote(t *testing.T) {
	svc, db, rdb, pub, cache := setupTestService(t)

	r, err := svc.SubmitVote(context.Background(), testSubmission(42))
	if err != nil {
		t.Fatalf("SubmitVote unwanted error: %s", err)
	}
	if !r.IsNew {
		t.Error("first submission not reported as new")
	}
	if !r.Vote.IsValid || r.Vote.RiskScore != 0 {
		t.Errorf("clean vote not recorded clean: %+v", r.Vote)
	}
	if r.Vote.VoterToken != VoterToken(42) {
		t.Errorf("voter token %v, want derived token", r.Vote.VoterToken)
	}
	if db.voteCount() != 1 {
		t.Errorf("%v votes recorded, want 1", db.voteCount())
	}
	if pub.count() != 1 {
		t.Errorf("%v events published, want 1", pub.count())
	}
	if len(cache.polls) != 1 || cache.polls[0] != 1 {
		t.Errorf("results cache invalidations %v, want [1]", cache.polls)
	}
	rec, err := rdb.RecordGet(context.Background(), "10.0.0.42")
	if err != nil {
		t.Fatalf("no reputation record for voter IP: %s", err)
	}
	if rec.SuccessCount != 1 {
		t.Errorf("success count %v, want 1", rec.SuccessCount)
	}
	attempts := db.allAttempts()
	if len(attempts) != 1 || !attempts[0].Success {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
	if attempts[0].CreatedAt == 0 {
		t.Error("successful attempt recorded without a timestamp")
	}

	// Retrying the same submission replays the recorded vote.
	replay, err := svc.SubmitVote(context.Background(), testSubmission(42))
	if err != nil {
		t.Fatalf("replay unwanted error: %s", err)
	}
	if replay.IsNew {
		t.Error("replay reported as new")
	}
	if replay.Vote.ID != r.Vote.ID {
		t.Errorf("replay returned vote %v, want %v",
			replay.Vote.ID, r.Vote.ID)
	}
	if db.voteCount() != 1 {
		t.Errorf("%v votes after replay, want 1", db.voteCount())
	}
}

func TestSubmitVoteDuplicate(t *testing.T) {
	svc, db, _, _, _ := setupTestService(t)

	first, err := svc.SubmitVote(context.Background(), testSubmission(42))
	if err != nil {
		t.Fatalf("SubmitVote unwanted error: %s", err)
	}

	// Same voter, different option: a different idempotency key, so the
	// duplicate check inside the lock must catch it.
	sub := testSubmission(42)
	sub.OptionID = 11
	_, err = svc.SubmitVote(context.Background(), sub)
	if ErrorKind(err) != ErrorKindDuplicateVote {
		t.Fatalf("expecting duplicate vote error, got %v", err)
	}
	if db.voteCount() != 1 {
		t.Errorf("%v votes recorded, want 1", db.voteCount())
	}
	failed := db.failedAttempts()
	if len(failed) != 1 || failed[0].ErrorMessage != "duplicate vote" {
		t.Errorf("unexpected failed attempts: %+v", failed)
	}
	if len(failed) == 1 && failed[0].CreatedAt == 0 {
		t.Error("failed attempt recorded without a timestamp")
	}

	// The duplicate result is cached so a retried duplicate submission
	// replays the original vote.
	replay, err := svc.SubmitVote(context.Background(), sub)
	if err != nil {
		t.Fatalf("duplicate replay unwanted error: %s", err)
	}
	if replay.IsNew || replay.Vote.ID != first.Vote.ID {
		t.Errorf("duplicate replay returned %+v, want vote %v",
			replay, first.Vote.ID)
	}
}

func TestSubmitVoteConcurrent(t *testing.T) {
	svc, db, _, pub, _ := setupTestService(t)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		newVote int
		replays int
		dups    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.SubmitVote(context.Background(),
				testSubmission(42))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && r.IsNew:
				newVote++
			case err == nil:
				replays++
			case ErrorKind(err) == ErrorKindDuplicateVote:
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if db.voteCount() != 1 {
		t.Fatalf("%v votes recorded, want 1", db.voteCount())
	}
	if newVote != 1 {
		t.Errorf("%v submissions created a vote, want 1", newVote)
	}
	if newVote+replays+dups != n {
		t.Errorf("accounted for %v submissions, want %v",
			newVote+replays+dups, n)
	}
	if pub.count() != 1 {
		t.Errorf("%v events published, want 1", pub.count())
	}
}

func TestSubmitVoteValidation(t *testing.T) {
	svc, _, _, _, _ := setupTestService(t)

	tests := []struct {
		name string
		mut  func(*Submission)
		want ErrorKindT
	}{
		{"missing option", func(s *Submission) { s.OptionID = 0 },
			ErrorKindInvalidVote},
		{"unknown poll", func(s *Submission) { s.PollID = 99 },
			ErrorKindPollNotFound},
		{"inactive poll", func(s *Submission) { s.PollID = 2 },
			ErrorKindInvalidPoll},
		{"ended poll", func(s *Submission) { s.PollID = 3 },
			ErrorKindPollClosed},
		{"option from other poll", func(s *Submission) { s.OptionID = 40 },
			ErrorKindInvalidVote},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := testSubmission(42)
			tc.mut(&sub)
			_, err := svc.SubmitVote(context.Background(), sub)
			if ErrorKind(err) != tc.want {
				t.Errorf("got %v, want error kind %v", err, tc.want)
			}
		})
	}
}

func TestSubmitVoteBlockedIP(t *testing.T) {
	svc, db, rdb, _, _ := setupTestService(t)

	rep := reputation.New(rdb, reputation.Policy{})
	err := rep.BlockIP(context.Background(), "10.0.0.42", "abuse", true)
	if err != nil {
		t.Fatalf("BlockIP unwanted error: %s", err)
	}

	_, err = svc.SubmitVote(context.Background(), testSubmission(42))
	if ErrorKind(err) != ErrorKindFraudDetected {
		t.Fatalf("expecting fraud detected, got %v", err)
	}
	if db.voteCount() != 0 {
		t.Errorf("%v votes recorded, want 0", db.voteCount())
	}
	failed := db.failedAttempts()
	if len(failed) != 1 ||
		!strings.HasPrefix(failed[0].ErrorMessage, "blocked IP") {
		t.Errorf("unexpected failed attempts: %+v", failed)
	}
}

func TestSubmitVoteRapidIP(t *testing.T) {
	svc, db, rdb, _, _ := setupTestService(t)

	// Three distinct voters behind one IP stay under the rapid-fire
	// threshold.
	const sharedIP = "203.0.113.7"
	for i := int64(1); i <= 3; i++ {
		sub := testSubmission(i)
		sub.OptionID = 10 + i%2
		sub.IPAddress = sharedIP
		r, err := svc.SubmitVote(context.Background(), sub)
		if err != nil {
			t.Fatalf("SubmitVote %v unwanted error: %s", i, err)
		}
		if !r.Vote.IsValid {
			t.Errorf("vote from voter %v recorded invalid: %+v",
				i, r.Vote)
		}
	}

	// The fourth distinct voter from the same IP inside the window is
	// blocked before the vote is recorded.
	sub := testSubmission(4)
	sub.IPAddress = sharedIP
	_, err := svc.SubmitVote(context.Background(), sub)
	if ErrorKind(err) != ErrorKindFraudDetected {
		t.Fatalf("expecting fraud detected, got %v", err)
	}
	if db.voteCount() != 3 {
		t.Errorf("%v votes recorded, want 3", db.voteCount())
	}
	failed := db.failedAttempts()
	if len(failed) != 1 ||
		!strings.HasPrefix(failed[0].ErrorMessage, "fraud detected") ||
		!strings.Contains(failed[0].ErrorMessage, sharedIP) {
		t.Errorf("unexpected failed attempts: %+v", failed)
	}
	if len(failed) == 1 && failed[0].CreatedAt == 0 {
		t.Error("failed attempt recorded without a timestamp")
	}
	rec, err := rdb.RecordGet(context.Background(), sharedIP)
	if err != nil {
		t.Fatalf("no reputation record for shared IP: %s", err)
	}
	if rec.ViolationCount != 1 {
		t.Errorf("violation count %v, want 1", rec.ViolationCount)
	}
}

func TestSubmitVoteBotUserAgent(t *testing.T) {
	svc, db, rdb, _, _ := setupTestService(t)

	sub := testSubmission(42)
	sub.UserAgent = "curl/8.4.0"
	_, err := svc.SubmitVote(context.Background(), sub)
	if ErrorKind(err) != ErrorKindFraudDetected {
		t.Fatalf("expecting fraud detected, got %v", err)
	}
	if db.voteCount() != 0 {
		t.Errorf("%v votes recorded, want 0", db.voteCount())
	}

	// The rejection counts as a reputation violation.
	rec, err := rdb.RecordGet(context.Background(), "10.0.0.42")
	if err != nil {
		t.Fatalf("no reputation record for voter IP: %s", err)
	}
	if rec.ViolationCount != 1 {
		t.Errorf("violation count %v, want 1", rec.ViolationCount)
	}
}

func TestSubmitVoteSuspiciousRecorded(t *testing.T) {
	svc, db, _, _, _ := setupTestService(t)

	// A bare Mozilla user agent is suspicious but not blocked. The vote
	// is still recorded, marked invalid, with an alert for review.
	sub := testSubmission(42)
	sub.UserAgent = "Mozilla"
	r, err := svc.SubmitVote(context.Background(), sub)
	if err != nil {
		t.Fatalf("SubmitVote unwanted error: %s", err)
	}
	if r.Vote.IsValid {
		t.Error("suspicious vote recorded as valid")
	}
	if r.Vote.RiskScore != 30 {
		t.Errorf("risk score %v, want 30", r.Vote.RiskScore)
	}
	db.mu.Lock()
	_, alerted := db.alerts[r.Vote.ID]
	db.mu.Unlock()
	if !alerted {
		t.Error("no fraud alert for suspicious vote")
	}
}

func TestSubmitVoteFingerprintReuse(t *testing.T) {
	svc, db, rdb, _, _ := setupTestService(t)

	// Two voters already voted with the same fingerprint.
	fp := testFingerprint(1)
	now := time.Now().Unix()
	for i, userID := range []int64{1, 2} {
		db.mu.Lock()
		db.nextID++
		id := db.nextID
		v := Vote{
			ID:          id,
			PollID:      1,
			OptionID:    10,
			UserID:      userID,
			VoterToken:  VoterToken(userID),
			Fingerprint: fp,
			IPAddress:   fmt.Sprintf("10.0.0.%v", i+1),
			IsValid:     true,
			CreatedAt:   now,
		}
		db.votes[id] = v
		db.byVoter[voterKey(1, v.VoterToken)] = id
		db.mu.Unlock()
	}

	sub := testSubmission(3)
	sub.Fingerprint = fp
	_, err := svc.SubmitVote(context.Background(), sub)
	if ErrorKind(err) != ErrorKindFraudDetected {
		t.Fatalf("expecting fraud detected, got %v", err)
	}

	// The fingerprint is now permanently blocked so a later submission
	// from a fresh IP is rejected before the pipeline runs.
	b, err := rdb.BlockGet(context.Background(), fp)
	if err != nil {
		t.Fatalf("fingerprint not blocked: %s", err)
	}
	if !b.IsActive || b.ExpiresAt != 0 {
		t.Errorf("unexpected fingerprint block: %+v", b)
	}

	sub = testSubmission(4)
	sub.Fingerprint = fp
	_, err = svc.SubmitVote(context.Background(), sub)
	if ErrorKind(err) != ErrorKindFraudDetected {
		t.Fatalf("expecting fraud detected, got %v", err)
	}
	failed := db.failedAttempts()
	last := failed[len(failed)-1]
	if !strings.HasPrefix(last.ErrorMessage, "blocked fingerprint") {
		t.Errorf("unexpected attempt error: %v", last.ErrorMessage)
	}
}

func TestSubmitVoteManyVoters(t *testing.T) {
	svc, db, _, pub, _ := setupTestService(t)

	// Eight distinct voters split across two options, all clean.
	for userID := int64(1); userID <= 8; userID++ {
		sub := testSubmission(userID)
		if userID > 5 {
			sub.OptionID = 11
		}
		r, err := svc.SubmitVote(context.Background(), sub)
		if err != nil {
			t.Fatalf("SubmitVote voter %v unwanted error: %s", userID, err)
		}
		if !r.Vote.IsValid {
			t.Errorf("voter %v vote not valid: %+v", userID, r.Vote)
		}
	}

	if db.voteCount() != 8 {
		t.Errorf("%v votes recorded, want 8", db.voteCount())
	}
	db.mu.Lock()
	alerts := len(db.alerts)
	db.mu.Unlock()
	if alerts != 0 {
		t.Errorf("%v fraud alerts, want 0", alerts)
	}
	if pub.count() != 8 {
		t.Errorf("%v events published, want 8", pub.count())
	}
}

func TestRetractVote(t *testing.T) {
	svc, db, _, _, _ := setupTestService(t)

	sub := testSubmission(42)
	sub.PollID = 4
	sub.OptionID = 40
	first, err := svc.SubmitVote(context.Background(), sub)
	if err != nil {
		t.Fatalf("SubmitVote unwanted error: %s", err)
	}

	err = svc.RetractVote(context.Background(), Retraction{
		UserID: 42,
		PollID: 4,
	})
	if err != nil {
		t.Fatalf("RetractVote unwanted error: %s", err)
	}
	if db.voteCount() != 0 {
		t.Errorf("%v votes after retraction, want 0", db.voteCount())
	}

	// Retracting again fails; there is nothing left to retract.
	err = svc.RetractVote(context.Background(), Retraction{
		UserID: 42,
		PollID: 4,
	})
	if ErrorKind(err) != ErrorKindInvalidVote {
		t.Errorf("expecting invalid vote error, got %v", err)
	}

	// The voter can vote again and gets a fresh vote, not a replay of
	// the retracted one.
	r, err := svc.SubmitVote(context.Background(), sub)
	if err != nil {
		t.Fatalf("re-vote unwanted error: %s", err)
	}
	if !r.IsNew {
		t.Error("re-vote after retraction not reported as new")
	}
	if r.Vote.ID == first.Vote.ID {
		t.Error("re-vote replayed the retracted vote")
	}
}

func TestRetractVoteNotAllowed(t *testing.T) {
	svc, _, _, _, _ := setupTestService(t)

	_, err := svc.SubmitVote(context.Background(), testSubmission(42))
	if err != nil {
		t.Fatalf("SubmitVote unwanted error: %s", err)
	}

	// Poll 1 does not allow retraction.
	err = svc.RetractVote(context.Background(), Retraction{
		UserID: 42,
		PollID: 1,
	})
	if ErrorKind(err) != ErrorKindInvalidVote {
		t.Errorf("expecting invalid vote error, got %v", err)
	}
}
