package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/crescendo-labs/podium/pkg/engine"
	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/registry"
)

const maxBodyBytes = 1 << 20

// handleEvaluate runs one evaluation through the decision cache. A deny is
// a 200; only malformed requests and internal failures are errors.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEvaluation(w, r)
	if !ok {
		return
	}
	res, err := s.kernel.Evaluate(r.Context(), req)
	if err != nil {
		writeEvaluationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCheck is the boolean form of evaluate.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEvaluation(w, r)
	if !ok {
		return
	}
	res, err := s.kernel.Evaluate(r.Context(), req)
	if err != nil {
		writeEvaluationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": res.Allowed})
}

func decodeEvaluation(w http.ResponseWriter, r *http.Request) (engine.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return engine.Request{}, false
	}
	return req, true
}

func writeEvaluationError(w http.ResponseWriter, err error) {
	var verr manifest.ValidationError
	if errors.As(err, &verr) {
		WriteBadRequest(w, verr.Error())
		return
	}
	WriteInternal(w, err)
}

// handleCreatePolicy registers a manifest. The raw body goes through the
// JSON Schema so unknown fields are rejected before the registry sees them.
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	hash, err := s.kernel.Registry().Register(r.Context(), m)
	if err != nil {
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			WriteBadRequest(w, verrs.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": m.ID, "hash": hash})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, _ *http.Request) {
	entries := s.kernel.Registry().ListActive()
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": entries,
		"count":    len(entries),
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.kernel.Registry().GetByID(id)
	if !ok {
		WriteNotFound(w, "no policy with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEnablePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.kernel.Registry().Enable(r.Context(), id); err != nil {
		writeRegistryError(w, id, err)
		return
	}
	entry, _ := s.kernel.Registry().GetByID(id)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDisablePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if err := s.kernel.Registry().Disable(r.Context(), id, reason); err != nil {
		writeRegistryError(w, id, err)
		return
	}
	entry, _ := s.kernel.Registry().GetByID(id)
	writeJSON(w, http.StatusOK, entry)
}

// handleDeletePolicy removes a policy through the rollout orchestrator, so
// caches are emptied and the deleted event reaches every subscriber.
func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.kernel.Rollouts().Delete(r.Context(), id); err != nil {
		writeRegistryError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeRegistryError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		WriteNotFound(w, "no policy with id "+id)
		return
	}
	WriteInternal(w, err)
}

func (s *Server) handleListByPrecedence(w http.ResponseWriter, r *http.Request) {
	class := manifest.Precedence(r.PathValue("class"))
	if !class.Valid() {
		WriteBadRequest(w, "unknown precedence class "+string(class))
		return
	}
	entries := s.kernel.Registry().ListByPrecedence(class)
	writeJSON(w, http.StatusOK, map[string]any{
		"precedence": class,
		"policies":   entries,
		"count":      len(entries),
	})
}

func (s *Server) handlePolicyStats(w http.ResponseWriter, _ *http.Request) {
	reg := s.kernel.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":        reg.Count(),
		"byPrecedence": reg.CountByPrecedence(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Cache().Stats())
}
