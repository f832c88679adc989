package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "flround API",
		Version:     "v1",
		Description: "Federated learning round coordinator: client selection, round tracking and checkpointing",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/status", []string{"GET"}, "Round loop status"},
			{"/api/v1/rounds", []string{"GET"}, "Round attempt history, newest first. Filters: run_id, state"},
			{"/api/v1/clients", []string{"GET", "POST"}, "List (?eligible=true) or register clients"},
			{"/api/v1/clients/{id}", []string{"GET"}, "Single client record"},
			{"/api/v1/clients/{id}/heartbeat", []string{"PUT"}, "Client liveness heartbeat"},
			{"/api/v1/clients/{id}/work", []string{"GET"}, "Check out the current assignment (204 when idle)"},
			{"/api/v1/clients/{id}/report", []string{"PUT"}, "Report a training result for the open round"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
