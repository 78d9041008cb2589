package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// ProjectStorage implements the project repository over Badger
type ProjectStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewProjectStorage creates a new ProjectStorage instance
func NewProjectStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ProjectStorage {
	return &ProjectStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ProjectStorage) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		return faults.New(faults.KindValidation, "project ID is required")
	}
	if project.UserID == "" {
		return faults.New(faults.KindValidation, "project user ID is required")
	}
	if err := s.db.Store().Insert(project.ID, project); err != nil {
		return storeFault(err, "failed to create project %s", project.ID)
	}
	return nil
}

func (s *ProjectStorage) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	if err := s.db.Store().Get(projectID, &project); err != nil {
		return nil, storeFault(err, "project %s", projectID)
	}
	return &project, nil
}

func (s *ProjectStorage) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	var projects []models.Project
	query := badgerhold.Where("UserID").Eq(userID).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&projects, query); err != nil {
		return nil, storeFault(err, "failed to list projects for user")
	}

	result := make([]*models.Project, len(projects))
	for i := range projects {
		result[i] = &projects[i]
	}
	return result, nil
}

func (s *ProjectStorage) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.db.Store().Delete(projectID, &models.Project{}); err != nil {
		return storeFault(err, "failed to delete project %s", projectID)
	}
	return nil
}
