package server

import (
	"encoding/json"
	"net/http"

	"spacesync/protocol"
)

// HandleMetrics 输出运行指标与在线会话数
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := map[string]any{
		"online":  s.hub.Count(),
		"metrics": s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// HandleSessions 输出当前会话快照（与 currentPlayers 同格式）
// GET /sessions
func (s *Server) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.hub.Snapshot()
	players := make(map[string]protocol.Player, len(snap))
	for id, rec := range snap {
		players[string(id)] = rec.Wire()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(players)
}

// HandleHealth 存活探针
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
