// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	v1 "github.com/provote/provote/api/v1"
	"github.com/provote/provote/vote"
)

func (p *provoted) handleVoteSubmit(w http.ResponseWriter, r *http.Request) {
	log.Tracef("handleVoteSubmit")

	var vs v1.VoteSubmit
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&vs); err != nil {
		respondWithUserError(w, v1.ErrorCodeInvalidInput, "invalid request")
		return
	}

	reply, err := p.svc.SubmitVote(r.Context(), vote.Submission{
		VoterToken:     r.Header.Get(v1.VoterTokenHeader),
		PollID:         vs.PollID,
		OptionID:       vs.OptionID,
		IdempotencyKey: vs.IdempotencyKey,
		Fingerprint:    vs.Fingerprint,
		IPAddress:      remoteAddr(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	// A newly recorded vote answers 201, an idempotent replay 200.
	status := http.StatusOK
	if reply.IsNew {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, v1.VoteSubmitReply{
		Vote:      convertVote(reply.Vote),
		Duplicate: !reply.IsNew,
	})
}

func (p *provoted) handleVoteRetract(w http.ResponseWriter, r *http.Request) {
	log.Tracef("handleVoteRetract")

	token := r.Header.Get(v1.VoterTokenHeader)
	if token == "" {
		// Anonymous callers have no stable identity to retract with.
		respondWithUserError(w, v1.ErrorCodeInvalidInput,
			"retraction requires an identified voter")
		return
	}

	var vr v1.VoteRetract
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&vr); err != nil {
		respondWithUserError(w, v1.ErrorCodeInvalidInput, "invalid request")
		return
	}

	err := p.svc.RetractVote(r.Context(), vote.Retraction{
		VoterToken: token,
		PollID:     vr.PollID,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, v1.VoteRetractReply{})
}

func (p *provoted) handleVoteDetails(w http.ResponseWriter, r *http.Request) {
	log.Tracef("handleVoteDetails")

	voteID, err := strconv.ParseInt(mux.Vars(r)["voteid"], 10, 64)
	if err != nil {
		respondWithUserError(w, v1.ErrorCodeInvalidInput, "invalid vote ID")
		return
	}

	v, err := p.db.VoteGet(r.Context(), voteID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, v1.VoteDetailsReply{
		Vote: convertVote(v),
	})
}

func convertVote(v *vote.Vote) v1.Vote {
	return v1.Vote{
		ID:        v.ID,
		PollID:    v.PollID,
		OptionID:  v.OptionID,
		IsValid:   v.IsValid,
		CreatedAt: v.CreatedAt,
	}
}

// respondWithError maps an ingestion error onto an HTTP status and user
// error reply. Internal errors are logged and answered with a bare 500 so
// no internal detail leaks.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var ve vote.Error
	if !errors.As(err, &ve) {
		log.Errorf("%v %v: internal error: %v", r.Method, r.URL.Path, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var (
		status int
		code   v1.ErrorCodeT
	)
	switch ve.Kind {
	case vote.ErrorKindPollNotFound:
		status, code = http.StatusNotFound, v1.ErrorCodePollNotFound
	case vote.ErrorKindInvalidPoll:
		status, code = http.StatusBadRequest, v1.ErrorCodePollNotOpen
	case vote.ErrorKindPollClosed:
		status, code = http.StatusBadRequest, v1.ErrorCodePollClosed
	case vote.ErrorKindDuplicateVote:
		status, code = http.StatusConflict, v1.ErrorCodeDuplicateVote
	case vote.ErrorKindFraudDetected:
		status, code = http.StatusForbidden, v1.ErrorCodeVoteRejected
	case vote.ErrorKindLockTimeout, vote.ErrorKindStoreUnavailable:
		status, code = http.StatusServiceUnavailable, v1.ErrorCodeTemporary
	default:
		status, code = http.StatusBadRequest, v1.ErrorCodeInvalidInput
	}

	log.Debugf("%v %v: %v", r.Method, r.URL.Path, err)
	respondWithJSON(w, status, v1.ErrorReply{
		ErrorCode:    code,
		ErrorContext: ve.UserMessage(),
	})
}

func respondWithUserError(w http.ResponseWriter, code v1.ErrorCodeT, context string) {
	respondWithJSON(w, http.StatusBadRequest, v1.ErrorReply{
		ErrorCode:    code,
		ErrorContext: context,
	})
}

func respondWithJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		log.Errorf("encode response: %v", err)
	}
}

// remoteAddr resolves the client IP, preferring the forwarding headers set
// by the fronting proxy.
func remoteAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
