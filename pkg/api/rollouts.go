package api

import "net/http"

func (s *Server) handleListRollouts(w http.ResponseWriter, _ *http.Request) {
	rollouts := s.kernel.Rollouts().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"rollouts": rollouts,
		"count":    len(rollouts),
	})
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	policyID := r.PathValue("policyId")
	ro, ok := s.kernel.Rollouts().Get(policyID)
	if !ok {
		WriteNotFound(w, "no rollout for policy "+policyID)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}
