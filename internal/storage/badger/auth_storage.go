package badger

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// AuthStorage implements API key persistence over Badger. Keys are
// loaded from the credentials directory at startup and looked up by the
// token verifier on every request.
type AuthStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAuthStorage creates a new AuthStorage instance
func NewAuthStorage(db *BadgerDB, logger arbor.ILogger) interfaces.APIKeyStorage {
	return &AuthStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AuthStorage) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.Token == "" {
		return faults.New(faults.KindValidation, "api key token is required")
	}
	if key.UserID == "" {
		return faults.New(faults.KindValidation, "api key user ID is required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(key.Token, key); err != nil {
		return storeFault(err, "failed to save api key")
	}
	return nil
}

func (s *AuthStorage) GetAPIKey(ctx context.Context, token string) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.db.Store().Get(token, &key); err != nil {
		return nil, storeFault(err, "api key lookup")
	}
	return &key, nil
}
