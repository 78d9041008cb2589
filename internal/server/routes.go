package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Projects
	mux.HandleFunc("/api/v1/projects", s.authenticated(s.handleProjectsRoute))
	mux.HandleFunc("/api/v1/projects/", s.authenticated(s.handleProjectRoutes)) // GET/DELETE /{id}

	// API routes - Jobs (crawl job lifecycle)
	mux.HandleFunc("/api/v1/jobs", s.authenticated(s.handleJobsRoute))
	mux.HandleFunc("/api/v1/jobs/", s.authenticated(s.handleJobRoutes)) // /{id} and subpaths

	// API routes - Validation dispatch
	mux.HandleFunc("/api/v1/validation/job/", s.authenticated(s.handleValidationRoute))

	// API routes - Notifications
	mux.HandleFunc("/api/v1/notifications", s.authenticated(s.app.NotificationHandler.ListNotificationsHandler))

	// Worker callback (worker shared secret, not bearer auth)
	mux.HandleFunc("/api/v1/tasks/callback", s.app.CallbackHandler.TaskCallbackHandler)

	// API routes - System (no auth)
	mux.HandleFunc("/api/v1/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/v1/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/v1/jobs requests (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET":  s.app.JobHandler.ListJobsHandler,
		"POST": s.app.JobHandler.CreateJobHandler,
	})
}

// handleJobRoutes routes /api/v1/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" && len(path) > len("/api/v1/jobs/") {
		// POST /api/v1/jobs/{id}/start
		if strings.HasSuffix(path, "/start") {
			s.app.JobHandler.StartJobHandler(w, r)
			return
		}
		// POST /api/v1/jobs/{id}/cancel and its /stop alias
		if strings.HasSuffix(path, "/cancel") || strings.HasSuffix(path, "/stop") {
			s.app.JobHandler.CancelJobHandler(w, r)
			return
		}
		// POST /api/v1/jobs/{id}/retry
		if strings.HasSuffix(path, "/retry") {
			s.app.JobHandler.RetryJobHandler(w, r)
			return
		}
	}

	if r.Method == "GET" && len(path) > len("/api/v1/jobs/") {
		// GET /api/v1/jobs/{id}/progress
		if strings.HasSuffix(path, "/progress") {
			s.app.JobHandler.GetProgressHandler(w, r)
			return
		}
		// GET /api/v1/jobs/{id}/images
		if strings.HasSuffix(path, "/images") {
			s.app.JobHandler.ListImagesHandler(w, r)
			return
		}
		// Otherwise it's /api/v1/jobs/{id}
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleProjectsRoute routes /api/v1/projects requests (list and create)
func (s *Server) handleProjectsRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET":  s.app.ProjectHandler.ListProjectsHandler,
		"POST": s.app.ProjectHandler.CreateProjectHandler,
	})
}

// handleProjectRoutes routes /api/v1/projects/{id} requests
func (s *Server) handleProjectRoutes(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET":    s.app.ProjectHandler.GetProjectHandler,
		"DELETE": s.app.ProjectHandler.DeleteProjectHandler,
	})
}

// handleValidationRoute routes POST /api/v1/validation/job/{id}
func (s *Server) handleValidationRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"POST": s.app.ValidationHandler.ValidateJobHandler,
	})
}
