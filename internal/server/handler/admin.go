package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// AdminHandler serves read-only operator views: the audit log and the
// archive listing.
type AdminHandler struct {
	audit  domain.AuditStore
	blobs  domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler. blobs may be nil when no archive
// store is configured.
func NewAdminHandler(audit domain.AuditStore, blobs domain.BlobReader, archivePrefix string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{audit: audit, blobs: blobs, prefix: archivePrefix, logger: logger.With(slog.String("handler", "admin"))}
}

// Audit lists audit entries, newest first.
// GET /api/audit?limit=50&offset=0&since=...&until=...
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Archives lists archive files.
// GET /api/archives
func (h *AdminHandler) Archives(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusNotFound, "archive storage is not configured")
		return
	}
	files, err := h.blobs.List(r.Context(), h.prefix)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}
