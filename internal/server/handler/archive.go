package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/service"
)

// Sweeper runs one retention pass.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// ArchiveHandler serves archived intent files and manual sweeps.
type ArchiveHandler struct {
	reader  domain.BlobReader // optional
	sweeper Sweeper
	prefix  string
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. reader may be nil when no
// object store is configured.
func NewArchiveHandler(reader domain.BlobReader, sweeper Sweeper, prefix string, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, sweeper: sweeper, prefix: prefix, logger: logger}
}

// ListArchives lists archive files under the configured prefix.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusNotImplemented, "archives require s3")
		return
	}
	infos, err := h.reader.List(r.Context(), h.prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetArchive streams one archive file as JSON lines.
// GET /api/archives/{path...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusNotImplemented, "archives require s3")
		return
	}
	rc, err := h.reader.Get(r.Context(), r.PathValue("path"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "stream archive interrupted", slog.String("error", err.Error()))
	}
}

// Sweep runs the retention job immediately.
// POST /api/archives/sweep
func (h *ArchiveHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual sweep failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "sweep failed", "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
