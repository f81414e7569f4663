package controlplane

import (
	"net/http"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// GatewayStatus summarizes gateway runtime state.
type GatewayStatus struct {
	UptimeSeconds int64                        `json:"uptime_seconds"`
	Uptime        string                       `json:"uptime"`
	StartTime     string                       `json:"start_time"`
	Version       string                       `json:"version,omitempty"`
	Channels      int                          `json:"channels"`
	ByStatus      map[models.ChannelStatus]int `json:"by_status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.config.Gateway.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	uptime := time.Since(s.startTime)
	status := GatewayStatus{
		UptimeSeconds: int64(uptime.Seconds()),
		Uptime:        uptime.Round(time.Second).String(),
		StartTime:     s.startTime.UTC().Format(time.RFC3339),
		Version:       s.config.Version,
		Channels:      len(list),
		ByStatus:      map[models.ChannelStatus]int{},
	}
	for _, ch := range list {
		st := ch.Status
		if info, err := s.config.Gateway.ChannelInfo(r.Context(), ch.ID); err == nil {
			st = info.Status
		}
		status.ByStatus[st]++
	}
	s.jsonResponse(w, http.StatusOK, status)
}
