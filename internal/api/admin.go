package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/store"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	list, err := s.stores.Nodes.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type nodeView struct {
		store.Node
		Connected bool `json:"connected"`
	}
	out := make([]nodeView, 0, len(list))
	for _, n := range list {
		out = append(out, nodeView{Node: n, Connected: s.transport.Connected(n.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Label  string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	token, err := s.registry.CreateToken(r.Context(), req.UserID, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleRecoverNode(w http.ResponseWriter, r *http.Request) {
	event, err := s.placer.TriggerRecovery(r.Context(), mux.Vars(r)["id"], store.RecoveryManual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	result, err := s.migrator.Drain(r.Context(), mux.Vars(r)["id"], "admin")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDecommissionNode(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Decommission(r.Context(), mux.Vars(r)["id"], "admin"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "decommissioned"})
}

func (s *Server) handleListRecovery(w http.ResponseWriter, r *http.Request) {
	events, err := s.stores.Recovery.ListEvents(r.Context(), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleRetryRecovery(w http.ResponseWriter, r *http.Request) {
	event, err := s.placer.RetryWaiting(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetNodeID string `json:"targetNodeId"`
		EstimatedMB  int64  `json:"estimatedMB"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	result, err := s.migrator.Migrate(r.Context(), mux.Vars(r)["botId"], req.TargetNodeID, req.EstimatedMB)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMeterDLQ reads the dead-letter file for admin inspection. The
// DLQ is terminal; this is a read, not a replay.
func (s *Server) handleMeterDLQ(w http.ResponseWriter, _ *http.Request) {
	if s.dlqPath == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []store.MeterEvent{}})
		return
	}
	f, err := os.Open(s.dlqPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"events": []store.MeterEvent{}})
			return
		}
		writeError(w, err)
		return
	}
	defer f.Close()

	var events []store.MeterEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		var ev store.MeterEvent
		if json.Unmarshal(scanner.Bytes(), &ev) == nil {
			events = append(events, ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}
