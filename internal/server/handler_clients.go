package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/flround/pkg/model"
)

// handleListClients returns client records sorted by id.
// GET /api/v1/clients?eligible=true
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	eligible := false
	if v := r.URL.Query().Get("eligible"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondInvalid(w, reqID, "invalid query parameter", "eligible", "must be a boolean")
			return
		}
		eligible = b
	}

	clients := s.registry.List(eligible)
	respondPage(w, reqID, clients, &model.Pagination{Total: len(clients), Limit: len(clients)})
}

// handleGetClient returns one client record.
// GET /api/v1/clients/{id}
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	c, ok := s.clientFromPath(w, r, reqID)
	if !ok {
		return
	}
	respondOK(w, reqID, c)
}

// handleRegisterClient adds a client to the registry. For a known client the
// new speed and sample count take effect at the next reconciliation; the
// reply carries the record as it stands.
// POST /api/v1/clients
func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		ID      *int    `json:"id"`
		Speed   float64 `json:"speed"`
		Samples int     `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	var details []model.FieldError
	if req.ID == nil || *req.ID < 0 {
		details = append(details, model.FieldError{Field: "id", Message: "a non-negative id is required"})
	}
	if req.Speed <= 0 {
		details = append(details, model.FieldError{Field: "speed", Message: "must be positive (seconds per epoch)"})
	}
	if req.Samples < 0 {
		details = append(details, model.FieldError{Field: "samples", Message: "must not be negative"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid client registration", details...))
		return
	}

	c, created := s.registry.Register(model.Client{ID: *req.ID, Speed: req.Speed, Samples: req.Samples})
	if s.live != nil {
		s.live.Heartbeat(c.ID, s.clock.Now())
	}

	if created {
		s.logger.Info("client registered", "client_id", c.ID, "speed", c.Speed, "samples", c.Samples)
		respondCreated(w, reqID, c)
		return
	}
	s.logger.Debug("client re-registered, refresh queued", "client_id", c.ID, "speed", req.Speed, "samples", req.Samples)
	respondOK(w, reqID, c)
}

// handleClientHeartbeat marks a client reachable.
// PUT /api/v1/clients/{id}/heartbeat
func (s *Server) handleClientHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireLive(w, reqID) {
		return
	}
	c, ok := s.clientFromPath(w, r, reqID)
	if !ok {
		return
	}

	now := s.clock.Now()
	s.live.Heartbeat(c.ID, now)

	resp := map[string]any{
		"client_id":   c.ID,
		"last_seen":   now,
		"blacklisted": c.Blacklisted,
	}
	if round, open := s.remote.CurrentRound(); open {
		resp["round"] = round
	}
	respondOK(w, reqID, resp)
}

// handleClientCheckout hands out the client's assignment for the open round.
// GET /api/v1/clients/{id}/work
// Returns 200 with the assignment or 204 No Content if there is none.
func (s *Server) handleClientCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireLive(w, reqID) {
		return
	}
	c, ok := s.clientFromPath(w, r, reqID)
	if !ok {
		return
	}

	// Polling counts as a sign of life.
	s.live.Heartbeat(c.ID, s.clock.Now())

	a, ok := s.remote.Checkout(c.ID)
	if !ok {
		respondNoWork(w)
		return
	}

	s.logger.Debug("assignment checked out", "client_id", c.ID, "round", a.Round, "attempt", a.Attempt)
	respondOK(w, reqID, a)
}

// handleClientReport feeds a training result into the open round.
// PUT /api/v1/clients/{id}/report
func (s *Server) handleClientReport(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireLive(w, reqID) {
		return
	}
	c, ok := s.clientFromPath(w, r, reqID)
	if !ok {
		return
	}

	var rep model.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if rep.ClientID != c.ID {
		respondInvalid(w, reqID, "client_id does not match path", "client_id", "must equal "+strconv.Itoa(c.ID))
		return
	}
	if rep.Success && rep.Update == nil {
		respondInvalid(w, reqID, "successful report without update", "update", "required when success is true")
		return
	}

	s.live.Heartbeat(c.ID, s.clock.Now())

	if err := s.remote.Deliver(rep); err != nil {
		respondDeliveryError(w, reqID, err)
		return
	}

	s.logger.Debug("report accepted", "client_id", c.ID, "round", rep.Round, "success", rep.Success)
	respondOK(w, reqID, map[string]any{
		"client_id":   c.ID,
		"round":       rep.Round,
		"accepted_at": time.Now().UTC(),
	})
}

// clientFromPath resolves the {id} URL parameter to a registered client,
// writing the error response when it cannot.
func (s *Server) clientFromPath(w http.ResponseWriter, r *http.Request, reqID string) (model.Client, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		respondInvalid(w, reqID, "invalid client id", "id", "must be a non-negative integer")
		return model.Client{}, false
	}
	c, ok := s.registry.Get(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("client", raw))
		return model.Client{}, false
	}
	return c, true
}

// requireLive rejects client runtime calls when the coordinator replays a
// simulated fleet.
func (s *Server) requireLive(w http.ResponseWriter, reqID string) bool {
	if s.live != nil && s.remote != nil {
		return true
	}
	respondError(w, reqID, http.StatusConflict, &model.APIError{
		Code:    model.ErrConflict,
		Message: "client runtime endpoints are disabled in simulated time mode",
	})
	return false
}
