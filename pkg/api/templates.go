package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/template"
)

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var t template.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.kernel.Templates().Register(&t); err != nil {
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			WriteBadRequest(w, verrs.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": t.ID})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	templates := s.kernel.Templates().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": templates,
		"count":     len(templates),
	})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reg := s.kernel.Templates()
	t, ok := reg.Get(id)
	if !ok {
		WriteNotFound(w, "no template with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template":   t,
		"usageCount": reg.UsageCount(id),
		"derived":    reg.Derived(id),
	})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.kernel.Templates().Remove(id)
	switch {
	case errors.Is(err, template.ErrNotFound):
		WriteNotFound(w, "no template with id "+id)
	case errors.Is(err, template.ErrTemplateInUse):
		WriteConflict(w, err.Error())
	case err != nil:
		WriteInternal(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// resolveRequest names the derived policy and carries its deltas. The
// template id comes from the path, not the body.
type resolveRequest struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	Overrides  *template.Overrides  `json:"overrides,omitempty"`
	Extensions *template.Extensions `json:"extensions,omitempty"`
}

// handleResolveTemplate derives a manifest from the template and registers
// it, so the new policy is live as soon as the response is written.
func (s *Server) handleResolveTemplate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	inh := template.Inheritance{
		TemplateID: r.PathValue("id"),
		Overrides:  req.Overrides,
		Extensions: req.Extensions,
	}
	m, err := s.kernel.Templates().Resolve(req.ID, req.Name, req.Version, inh)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			WriteNotFound(w, "no template with id "+inh.TemplateID)
			return
		}
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
	writeJSON(w, http.StatusCreated, map[string]any{"hash": hash, "policy": m})
}
