package projects

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// CreateProjectRequest is the input to CreateProject.
type CreateProjectRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// Service manages projects, the ownership boundary for all job
// operations.
type Service struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

// NewService creates the project service.
func NewService(storage interfaces.StorageManager, logger arbor.ILogger) *Service {
	return &Service{storage: storage, logger: logger}
}

// CreateProject creates a project owned by the caller.
func (s *Service) CreateProject(ctx context.Context, userID string, req CreateProjectRequest) (*models.Project, error) {
	now := time.Now()
	project := &models.Project{
		ID:        common.NewProjectID(),
		UserID:    userID,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.storage.ProjectStorage().CreateProject(ctx, project); err != nil {
		return nil, err
	}

	s.logger.Info().Str("project_id", project.ID).Str("user_id", userID).Msg("Project created")
	return project, nil
}

// GetProject returns the project after an ownership check.
func (s *Service) GetProject(ctx context.Context, userID, projectID string) (*models.Project, error) {
	project, err := s.storage.ProjectStorage().GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.UserID != userID {
		return nil, faults.New(faults.KindForbidden, "project %s does not belong to the caller", projectID)
	}
	return project, nil
}

// ListProjects returns the caller's projects.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	return s.storage.ProjectStorage().ListProjects(ctx, userID)
}

// DeleteProject removes a project and its jobs. Projects with jobs
// still pending or running cannot be deleted; cancel them first.
func (s *Service) DeleteProject(ctx context.Context, userID, projectID string) error {
	if _, err := s.GetProject(ctx, userID, projectID); err != nil {
		return err
	}

	active, err := s.storage.JobStorage().CountJobsByProject(ctx, projectID,
		models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return err
	}
	if active > 0 {
		return faults.New(faults.KindBadRequest, "project %s still has %d active jobs", projectID, active)
	}

	if err := s.storage.JobStorage().DeleteJobsByProject(ctx, projectID); err != nil {
		return err
	}
	if err := s.storage.ProjectStorage().DeleteProject(ctx, projectID); err != nil {
		return err
	}

	s.logger.Info().Str("project_id", projectID).Msg("Project deleted")
	return nil
}
