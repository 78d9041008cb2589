package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/services/projects"
)

// ProjectHandler serves the project endpoints.
type ProjectHandler struct {
	projectService *projects.Service
	logger         arbor.ILogger
}

// NewProjectHandler creates the project handler.
func NewProjectHandler(projectService *projects.Service, logger arbor.ILogger) *ProjectHandler {
	return &ProjectHandler{
		projectService: projectService,
		logger:         logger,
	}
}

// CreateProjectHandler creates a project owned by the caller.
// POST /api/v1/projects
func (h *ProjectHandler) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req projects.CreateProjectRequest
	if !DecodeValidBody(w, r, &req) {
		return
	}

	project, err := h.projectService.CreateProject(r.Context(), UserIDFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err, "Failed to create project")
		return
	}

	WriteData(w, http.StatusCreated, project)
}

// ListProjectsHandler returns the caller's projects.
// GET /api/v1/projects
func (h *ProjectHandler) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.projectService.ListProjects(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err, "Failed to list projects")
		return
	}

	WriteCollection(w, list, len(list), 1, len(list))
}

// GetProjectHandler returns one project.
// GET /api/v1/projects/{id}
func (h *ProjectHandler) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID := PathSegment(r.URL.Path, "/api/v1/projects/", 0)

	project, err := h.projectService.GetProject(r.Context(), UserIDFrom(r.Context()), projectID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get project")
		return
	}

	WriteData(w, http.StatusOK, project)
}

// DeleteProjectHandler deletes a project with no active jobs.
// DELETE /api/v1/projects/{id}
func (h *ProjectHandler) DeleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID := PathSegment(r.URL.Path, "/api/v1/projects/", 0)

	if err := h.projectService.DeleteProject(r.Context(), UserIDFrom(r.Context()), projectID); err != nil {
		h.writeError(w, r, err, "Failed to delete project")
		return
	}

	WriteData(w, http.StatusOK, map[string]string{"message": "Project deleted"})
}

func (h *ProjectHandler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	h.logger.Error().
		Err(err).
		Str("user_id", UserIDFrom(r.Context())).
		Str("request_id", RequestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Msg(msg)
	WriteFault(w, r, err)
}
