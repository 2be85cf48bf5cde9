package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crescendo-labs/podium/pkg/audit"
)

// handleAuditExport builds an evidence pack for one tenant and time range.
// The pack itself lands in the archive store; the response carries its
// checksum and location.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req audit.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	pack, err := s.kernel.Exporter().Export(r.Context(), req)
	switch {
	case errors.Is(err, audit.ErrEmptyTenantID), errors.Is(err, audit.ErrInvalidTimeRange):
		WriteBadRequest(w, err.Error())
	case err != nil:
		WriteInternal(w, err)
	default:
		writeJSON(w, http.StatusOK, pack)
	}
}
