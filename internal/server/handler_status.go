package server

import (
	"net/http"
	"strconv"

	"github.com/me/flround/pkg/model"
)

// handleStatus returns the round loop status.
// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.status == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			model.NewInternalError("round loop is not running"))
		return
	}
	respondOK(w, reqID, s.status.Status())
}

// handleListRounds returns round attempts, newest first.
// GET /api/v1/rounds?run_id=&state=&limit=&offset=
func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	params := r.URL.Query()

	q := model.DefaultRoundQuery()
	q.RunID = params.Get("run_id")
	if state := model.RoundState(params.Get("state")); state != "" {
		if !state.Valid() {
			respondInvalid(w, reqID, "invalid query parameter", "state", "unknown round state "+string(state))
			return
		}
		q.State = state
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		v := params.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			respondInvalid(w, reqID, "invalid query parameter", name, "must be an integer")
			return
		}
		*dst = n
	}
	q.Clamp()

	rounds, total, err := s.rounds.ListRounds(r.Context(), q)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if rounds == nil {
		rounds = []*model.Round{}
	}
	respondPage(w, reqID, rounds, q.Page(total))
}
