package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	TimeMode  string `json:"time_mode"`
	Clients   int    `json:"clients"`
	Loop      string `json:"loop"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	loop := "not_started"
	if s.status != nil {
		loop = s.status.Status().Phase
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		TimeMode:  s.config.TimeMode,
		Clients:   s.registry.Len(),
		Loop:      loop,
	})
}
