package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db            *BadgerDB
	jobs          interfaces.JobStorage
	images        interfaces.ImageStorage
	chunks        interfaces.ChunkStorage
	projects      interfaces.ProjectStorage
	notifications interfaces.NotificationStorage
	apiKeys       interfaces.APIKeyStorage
	logger        arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:            db,
		jobs:          NewJobStorage(db, logger),
		images:        NewImageStorage(db, logger),
		chunks:        NewChunkStorage(db, logger),
		projects:      NewProjectStorage(db, logger),
		notifications: NewNotificationStorage(db, logger),
		apiKeys:       NewAuthStorage(db, logger),
		logger:        logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the crawl-job repository
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

// ImageStorage returns the image repository
func (m *Manager) ImageStorage() interfaces.ImageStorage {
	return m.images
}

// ChunkStorage returns the job-chunk repository
func (m *Manager) ChunkStorage() interfaces.ChunkStorage {
	return m.chunks
}

// ProjectStorage returns the project repository
func (m *Manager) ProjectStorage() interfaces.ProjectStorage {
	return m.projects
}

// NotificationStorage returns the notification repository
func (m *Manager) NotificationStorage() interfaces.NotificationStorage {
	return m.notifications
}

// APIKeyStorage returns the API key repository
func (m *Manager) APIKeyStorage() interfaces.APIKeyStorage {
	return m.apiKeys
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// RunValueLogGC triggers a round of Badger value-log GC
func (m *Manager) RunValueLogGC() error {
	return m.db.RunValueLogGC()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
