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
	"time"

	"github.com/google/uuid"
	"github.com/provote/provote/fraud"
	"github.com/provote/provote/idemp"
	"github.com/provote/provote/reputation"
)

// Submission is a single vote submission.
type Submission struct {
	// UserID is the authenticated voter ID, 0 for anonymous votes.
	UserID int64

	// VoterToken optionally carries an explicit voter token for
	// anonymous voters. When empty it is derived from the user ID, or
	// from the fingerprint and IP for anonymous submissions.
	VoterToken string

	PollID   int64
	OptionID int64

	// IdempotencyKey optionally carries an explicit idempotency key.
	// When empty one is derived from the submission identity, so
	// retried submissions still collapse.
	IdempotencyKey string

	Fingerprint string
	IPAddress   string
	UserAgent   string
}

// Result is the outcome of a vote submission. IsNew is false when the
// submission was an idempotent replay of an already recorded vote.
type Result struct {
	Vote  *Vote
	IsNew bool
}

// Retraction is a request to retract an existing vote.
type Retraction struct {
	UserID     int64
	VoterToken string
	PollID     int64
}

// Service is the vote ingestion orchestrator. It validates a submission,
// gates it on the reputation block lists, scores it through the fraud
// pipeline, and records it exactly once under the per-(voter, poll) lock.
type Service struct {
	db       DB
	polls    PollDB
	idemp    idemp.Store
	pipeline *fraud.Pipeline
	rep      *reputation.Ledger
	results  ResultsCache
	pub      Publisher

	now func() time.Time
}

// New returns a new ingestion Service. The results cache and publisher
// may be nil; both are best-effort collaborators.
func New(db DB, polls PollDB, idempStore idemp.Store, pipeline *fraud.Pipeline, rep *reputation.Ledger, results ResultsCache, pub Publisher) *Service {
	return &Service{
		db:       db,
		polls:    polls,
		idemp:    idempStore,
		pipeline: pipeline,
		rep:      rep,
		results:  results,
		pub:      pub,
		now:      time.Now,
	}
}

// SubmitVote records a vote exactly once. Concurrent identical
// submissions collapse to a single recorded vote; retried submissions
// replay the original result. Fraudulent submissions fail with an Error
// of kind ErrorKindFraudDetected whose user message never exposes the
// scoring rationale.
func (s *Service) SubmitVote(ctx context.Context, sub Submission) (*Result, error) {
	log.Tracef("SubmitVote poll %v option %v", sub.PollID, sub.OptionID)

	if sub.PollID == 0 || sub.OptionID == 0 {
		return nil, errKind(ErrorKindInvalidVote,
			"missing poll or option ID")
	}

	token := voterToken(sub)
	key := sub.IdempotencyKey
	if key == "" {
		key = idemp.Key(token, sub.PollID, sub.OptionID,
			sub.Fingerprint, sub.IPAddress)
	}

	// Idempotent replay fast path. A cache failure is treated as a
	// miss; the duplicate check below backstops it.
	if cached, err := s.idemp.Get(key); err == nil {
		v, err := s.db.VoteGet(ctx, cached.VoteID)
		if err == nil {
			log.Debugf("Idempotent replay of vote %v on poll %v",
				v.ID, v.PollID)
			return &Result{Vote: v, IsNew: false}, nil
		}
		log.Debugf("Stale idempotency entry for vote %v: %v",
			cached.VoteID, err)
	}

	now := s.now().Unix()
	poll, err := s.polls.PollGet(ctx, sub.PollID)
	if err != nil {
		return nil, err
	}
	if poll.EndsAt != 0 && poll.EndsAt < now {
		return nil, errKind(ErrorKindPollClosed,
			"poll %v ended at %v", poll.ID, poll.EndsAt)
	}
	if !poll.IsActive || poll.StartsAt > now {
		return nil, errKind(ErrorKindInvalidPoll,
			"poll %v is not open for voting", poll.ID)
	}

	option, err := s.polls.OptionGet(ctx, sub.OptionID)
	if err != nil {
		return nil, err
	}
	if option.PollID != sub.PollID {
		return nil, errKind(ErrorKindInvalidVote,
			"option %v does not belong to poll %v",
			sub.OptionID, sub.PollID)
	}

	// Reputation gate. A blocked fingerprint or IP is rejected before
	// the full pipeline runs.
	blocked, reason, err := s.rep.IsIPBlocked(ctx, sub.IPAddress)
	if err != nil {
		return nil, err
	}
	if blocked {
		s.attemptFailed(ctx, sub, token, key,
			fmt.Sprintf("blocked IP: %v", reason))
		return nil, errKind(ErrorKindFraudDetected,
			"IP %v is blocked: %v", sub.IPAddress, reason)
	}
	blocked, reason, err = s.rep.IsFingerprintBlocked(ctx, sub.Fingerprint)
	if err != nil {
		return nil, err
	}
	if blocked {
		s.attemptFailed(ctx, sub, token, key,
			fmt.Sprintf("blocked fingerprint: %v", reason))
		return nil, errKind(ErrorKindFraudDetected,
			"fingerprint is blocked: %v", reason)
	}

	// Risk scoring pipeline.
	assessment, err := s.pipeline.Run(ctx, fraud.Submission{
		PollID:            sub.PollID,
		OptionID:          sub.OptionID,
		VoterToken:        token,
		IPAddress:         sub.IPAddress,
		UserAgent:         sub.UserAgent,
		Fingerprint:       sub.Fingerprint,
		OptionCount:       poll.OptionCount,
		VotingHours:       poll.VotingHours,
		VotingHoursStrict: poll.VotingHoursStrict,
	})
	if err != nil {
		return nil, err
	}
	if assessment.Block {
		reasons := strings.Join(assessment.Reasons, ", ")
		if assessment.BlockFingerprint {
			err := s.rep.BlockFingerprint(ctx, sub.Fingerprint,
				"fingerprint reused across voters or IPs")
			if err != nil {
				log.Errorf("block fingerprint on poll %v: %v",
					sub.PollID, err)
			}
		}
		s.attemptFailed(ctx, sub, token, key,
			fmt.Sprintf("fraud detected: %v", reasons))
		_, err = s.rep.RecordViolation(ctx, sub.IPAddress,
			"fraud detected", violationSeverity(assessment.RiskScore))
		if err != nil {
			log.Errorf("record violation for %v: %v",
				sub.IPAddress, err)
		}
		return nil, errKind(ErrorKindFraudDetected,
			"vote blocked on poll %v: %v (risk score %v)",
			sub.PollID, reasons, assessment.RiskScore)
	}

	v := Vote{
		PollID:         sub.PollID,
		OptionID:       sub.OptionID,
		UserID:         sub.UserID,
		VoterToken:     token,
		IdempotencyKey: key,
		Fingerprint:    sub.Fingerprint,
		IPAddress:      sub.IPAddress,
		UserAgent:      sub.UserAgent,
		IsValid:        !assessment.Suspicious,
		FraudReasons:   strings.Join(assessment.Reasons, ", "),
		RiskScore:      assessment.RiskScore,
		CreatedAt:      now,
	}

	// Exclusive (voter, poll) critical section: the duplicate check,
	// the vote insert, and the counter updates share one transaction.
	var (
		created *Vote
		dup     *Vote
	)
	err = s.db.WithVoterLock(ctx, sub.PollID, token, func(tx Tx) error {
		existing, err := tx.VoteByVoter(sub.PollID, token)
		if err != nil {
			return err
		}
		if existing != nil {
			dup = existing
			return errKind(ErrorKindDuplicateVote,
				"voter already voted on poll %v", sub.PollID)
		}
		created, err = tx.VoteNew(v)
		if err != nil {
			return err
		}
		return tx.AttemptNew(attempt(sub, token, key, true, "", now))
	})
	if err != nil {
		if dup != nil {
			// Cache the duplicate so retries short-circuit.
			perr := s.idemp.Put(key, idemp.Result{
				VoteID: dup.ID,
				Status: idemp.StatusDuplicate,
			})
			if perr != nil {
				log.Errorf("cache duplicate result: %v", perr)
			}
			s.attemptFailed(ctx, sub, token, key, "duplicate vote")
		}
		return nil, err
	}

	s.voteAccepted(ctx, sub, created, assessment, key)

	return &Result{Vote: created, IsNew: true}, nil
}

// voteAccepted performs the best-effort post-commit work for an accepted
// vote. None of it can fail the already recorded vote; failures are
// logged.
func (s *Service) voteAccepted(ctx context.Context, sub Submission, v *Vote, a *fraud.Assessment, key string) {
	// Suspicious but unblocked votes are recorded for investigation.
	if a.Suspicious {
		_, err := s.db.AlertNew(ctx, FraudAlert{
			VoteID:    v.ID,
			PollID:    v.PollID,
			UserID:    v.UserID,
			IPAddress: v.IPAddress,
			Reasons:   v.FraudReasons,
			RiskScore: v.RiskScore,
			CreatedAt: v.CreatedAt,
		})
		if err != nil {
			log.Errorf("create fraud alert for vote %v: %v", v.ID, err)
		}
	}

	if sub.Fingerprint != "" {
		err := s.pipeline.ActivityRefresh(ctx, sub.Fingerprint, v.PollID)
		if err != nil {
			log.Errorf("refresh fingerprint activity: %v", err)
		}
	}

	if s.results != nil {
		err := s.results.Invalidate(ctx, v.PollID)
		if err != nil {
			log.Errorf("invalidate results cache for poll %v: %v",
				v.PollID, err)
		}
	}

	err := s.idemp.Put(key, idemp.Result{
		VoteID: v.ID,
		Status: idemp.StatusCreated,
	})
	if err != nil {
		log.Errorf("cache submission result for vote %v: %v", v.ID, err)
	}

	if v.IsValid {
		err = s.rep.RecordSuccess(ctx, v.IPAddress)
		if err != nil {
			log.Errorf("record success for %v: %v", v.IPAddress, err)
		}
	} else {
		_, err = s.rep.RecordViolation(ctx, v.IPAddress,
			"suspicious vote", 1)
		if err != nil {
			log.Errorf("record violation for %v: %v", v.IPAddress, err)
		}
	}

	if s.pub != nil {
		s.pub.Publish(v.PollID, v.ID)
	}

	log.Infof("Vote %v recorded on poll %v (valid=%v, risk=%v)",
		v.ID, v.PollID, v.IsValid, v.RiskScore)
}

// RetractVote removes a voter's vote from an open poll that allows
// retraction, decrementing the cached counters in the same transaction.
func (s *Service) RetractVote(ctx context.Context, r Retraction) error {
	log.Tracef("RetractVote poll %v", r.PollID)

	token := voterToken(Submission{
		UserID:     r.UserID,
		VoterToken: r.VoterToken,
	})

	poll, err := s.polls.PollGet(ctx, r.PollID)
	if err != nil {
		return err
	}
	if !poll.AllowRetraction {
		return errKind(ErrorKindInvalidVote,
			"poll %v does not allow retraction", r.PollID)
	}
	if !poll.IsOpen(s.now().Unix()) {
		return errKind(ErrorKindPollClosed,
			"poll %v is not open", r.PollID)
	}

	var retracted *Vote
	err = s.db.WithVoterLock(ctx, r.PollID, token, func(tx Tx) error {
		v, err := tx.VoteByVoter(r.PollID, token)
		if err != nil {
			return err
		}
		if v == nil {
			return errKind(ErrorKindInvalidVote,
				"no vote to retract on poll %v", r.PollID)
		}
		retracted = v
		return tx.VoteDel(*v)
	})
	if err != nil {
		return err
	}

	// Drop the cached submission result so a re-vote is not replayed
	// as the retracted vote.
	err = s.idemp.Del(retracted.IdempotencyKey)
	if err != nil {
		log.Errorf("drop idempotency entry for vote %v: %v",
			retracted.ID, err)
	}
	if s.results != nil {
		err = s.results.Invalidate(ctx, r.PollID)
		if err != nil {
			log.Errorf("invalidate results cache for poll %v: %v",
				r.PollID, err)
		}
	}

	log.Infof("Vote %v retracted from poll %v", retracted.ID, r.PollID)

	return nil
}

// attemptFailed records a failed ingestion attempt outside of any
// transaction. Attempt rows are audit data; a write failure is logged,
// never surfaced.
func (s *Service) attemptFailed(ctx context.Context, sub Submission, token, key, errMsg string) {
	err := s.db.AttemptNew(ctx, attempt(sub, token, key, false, errMsg,
		s.now().Unix()))
	if err != nil {
		log.Errorf("record failed attempt on poll %v: %v",
			sub.PollID, err)
	}
}

func attempt(sub Submission, token, key string, success bool, errMsg string, createdAt int64) Attempt {
	return Attempt{
		PollID:         sub.PollID,
		OptionID:       sub.OptionID,
		UserID:         sub.UserID,
		VoterToken:     token,
		IdempotencyKey: key,
		Fingerprint:    sub.Fingerprint,
		IPAddress:      sub.IPAddress,
		UserAgent:      sub.UserAgent,
		Success:        success,
		ErrorMessage:   errMsg,
		CreatedAt:      createdAt,
	}
}

// voterToken resolves the voter token for a submission: the explicit
// token if provided, a stable hash of the user ID for authenticated
// voters, a stable hash of fingerprint+IP for anonymous voters, and a
// random token as the last resort.
func voterToken(sub Submission) string {
	switch {
	case sub.VoterToken != "":
		return sub.VoterToken
	case sub.UserID != 0:
		return VoterToken(sub.UserID)
	case sub.Fingerprint != "" || sub.IPAddress != "":
		h := sha256.Sum256([]byte(fmt.Sprintf("anon:%v:%v",
			sub.Fingerprint, sub.IPAddress)))
		return hex.EncodeToString(h[:])
	}
	return uuid.New().String()
}

// violationSeverity maps a pipeline risk score to a reputation violation
// severity (1-5).
func violationSeverity(riskScore int) int {
	severity := riskScore / 25
	if severity < 1 {
		severity = 1
	}
	if severity > 5 {
		severity = 5
	}
	return severity
}
