package relay

import (
	"encoding/json"
	log "log/slog"
	"net/http"
	"time"

	"voxrelay/internal/sysinfo"
	"voxrelay/pkg/protocol"
)

type infoResponse struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	WebSocket      string `json:"websocket"`
	ActiveSessions int    `json:"activeSessions"`
}

type healthResponse struct {
	Status         string  `json:"status"`
	ActiveSessions int     `json:"activeSessions"`
	Timestamp      string  `json:"timestamp"`
	UptimeSeconds  int64   `json:"uptimeSeconds"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemPercent     float64 `json:"memPercent"`
}

// Handler routes the relay's HTTP surface. With a public dir, / serves
// static files and the info document moves to /api/info.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWS)
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", s.metrics.Handler())

	if s.cfg.PublicDir != "" {
		mux.HandleFunc("GET /api/info", s.info)
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.PublicDir)))
	} else {
		mux.HandleFunc("GET /{$}", s.info)
	}
	return mux
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Name:           "voxrelay",
		Status:         "running",
		WebSocket:      "/ws",
		ActiveSessions: s.table.Count(),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "healthy",
		ActiveSessions: s.table.Count(),
		Timestamp:      protocol.Timestamp(time.Now()),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	}

	if cpu, err := sysinfo.CPUPercent(); err == nil {
		resp.CPUPercent = cpu
	} else {
		log.Debug("cpu stats", "err", err)
	}
	if mem, err := sysinfo.MemPercent(); err == nil {
		resp.MemPercent = mem
	} else {
		log.Debug("memory stats", "err", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", "err", err)
	}
}
