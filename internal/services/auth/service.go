package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
)

// Service resolves bearer tokens to user ids and authenticates worker
// callbacks with the shared worker secret.
type Service struct {
	keys         interfaces.APIKeyStorage
	workerSecret string
	logger       arbor.ILogger
}

// NewService creates the auth service.
func NewService(keys interfaces.APIKeyStorage, workerSecret string, logger arbor.ILogger) *Service {
	return &Service{
		keys:         keys,
		workerSecret: workerSecret,
		logger:       logger,
	}
}

// VerifyToken resolves a bearer token to the owning user id.
func (s *Service) VerifyToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", faults.New(faults.KindUnauthorized, "missing bearer token")
	}

	key, err := s.keys.GetAPIKey(ctx, token)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			return "", faults.New(faults.KindUnauthorized, "unknown bearer token")
		}
		return "", err
	}
	return key.UserID, nil
}

// VerifyWorkerSecret authenticates the task callback endpoint. A
// deployment without a configured secret rejects all callbacks.
func (s *Service) VerifyWorkerSecret(secret string) error {
	if s.workerSecret == "" {
		return faults.New(faults.KindUnauthorized, "worker callbacks are not enabled")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.workerSecret)) != 1 {
		return faults.New(faults.KindUnauthorized, "invalid worker secret")
	}
	return nil
}
