package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
)

// APIHandler serves the unauthenticated service endpoints.
type APIHandler struct {
	logger arbor.ILogger
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(logger arbor.ILogger) *APIHandler {
	return &APIHandler{logger: logger}
}

// VersionHandler returns version information.
// GET /api/v1/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteData(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler returns health check status.
// GET /api/v1/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NotFoundHandler handles unmatched API routes.
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteFault(w, r, faults.New(faults.KindNotFound, "no such endpoint: %s", r.URL.Path))
}
