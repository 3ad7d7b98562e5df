package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/store"
)

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]
	var req struct {
		UserID  string          `json:"userId"`
		SrcDir  string          `json:"srcDir"`
		Trigger string          `json:"trigger"`
		Plugins json.RawMessage `json:"plugins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	trigger := store.SnapshotTrigger(req.Trigger)
	if trigger == "" {
		trigger = store.SnapManual
	}
	srcDir := req.SrcDir
	if srcDir == "" {
		if srcDir = instanceDir(s.homeBase, instanceID); srcDir == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "srcDir required"})
			return
		}
	}
	rec, err := s.snapshots.Create(r.Context(), instanceID, req.UserID, srcDir, trigger, req.Plugins)
	if err != nil {
		writeError(w, err)
		return
	}
	// Retention runs after every create so an instance never holds more
	// than the configured number of snapshots.
	if err := s.snapshots.Sweep(r.Context(), instanceID); err != nil {
		slog.Warn("snapshot retention sweep failed", "instance", instanceID, "error", err)
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.snapshots.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": list})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DstDir string `json:"dstDir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	dstDir := req.DstDir
	if dstDir == "" {
		if dstDir = instanceDir(s.homeBase, mux.Vars(r)["id"]); dstDir == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dstDir required"})
			return
		}
	}
	if err := s.snapshots.Restore(r.Context(), mux.Vars(r)["sid"], dstDir); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

// instanceDir resolves an instance's home directory under the
// configured base, or "" when no base is configured.
func instanceDir(homeBase, instanceID string) string {
	if homeBase == "" || instanceID == "" {
		return ""
	}
	return filepath.Join(homeBase, instanceID)
}

func (s *Server) handleRequestDeletion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	dr, err := s.deletions.Create(r.Context(), mux.Vars(r)["tenantId"], req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dr)
}

func (s *Server) handleCancelDeletion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.deletions.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
