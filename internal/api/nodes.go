package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/nodes"
)

// handleNodeRegister enrolls or re-admits a worker node. The bearer is
// one of: the static fleet secret, a per-node persistent secret, or a
// one-time registration token.
func (s *Server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var req nodes.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	resp, err := s.registry.Register(r.Context(), bearerToken(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleNodeWS upgrades the node's persistent command channel. The same
// credentials as registration authenticate the socket.
func (s *Server) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	if err := s.registry.Authenticate(r.Context(), bearerToken(r), nodeID); err != nil {
		writeError(w, err)
		return
	}
	s.transport.HandleWS(w, r, nodeID)
}
