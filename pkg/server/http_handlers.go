package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const statusQueryTimeout = 2 * time.Second

type sessionStatus struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name,omitempty"`
	State     string `json:"state"`
	Transport string `json:"transport"`
}

type roomStatus struct {
	ID      uint64   `json:"id"`
	Name    string   `json:"name"`
	Seeded  bool     `json:"seeded"`
	Members []uint64 `json:"members"`
}

// StatusHandler serves the current registries as JSON
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusQueryTimeout)
	defer cancel()

	snap, err := s.Snapshot(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("status query failed")
		http.Error(w, "server unavailable", http.StatusServiceUnavailable)
		return
	}

	sessions := make([]sessionStatus, 0, len(snap.Sessions))
	for _, info := range snap.Sessions {
		sessions = append(sessions, sessionStatus{
			ID:        info.ID,
			Name:      info.Name,
			State:     info.State.String(),
			Transport: info.Transport,
		})
	}
	rooms := make([]roomStatus, 0, len(snap.Rooms))
	for _, info := range snap.Rooms {
		members := info.Members
		if members == nil {
			members = []uint64{}
		}
		rooms = append(rooms, roomStatus{ID: info.ID, Name: info.Name, Seeded: info.Seeded, Members: members})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"run_id":   s.runID,
		"sessions": sessions,
		"rooms":    rooms,
	}); err != nil {
		s.log.Debug().Err(err).Msg("failed to encode status JSON")
	}
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"max_sessions":   s.config.MaxSessions,
	}
	if s.acceptor != nil {
		health["live_sessions"] = s.acceptor.Live()
	}

	select {
	case <-s.shutdown:
		health["status"] = "stopping"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.log.Debug().Err(err).Msg("failed to encode health JSON")
	}
}
