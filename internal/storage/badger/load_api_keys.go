package badger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/pixcrawler/pixcrawler/internal/models"
)

// apiKeyFile represents one API key entry in a TOML file.
// Format:
//
//	[[keys]]
//	token = "pk_live_..."
//	user_id = "user-123"
//	label = "ci"
type apiKeyFile struct {
	Keys []struct {
		Token  string `toml:"token"`
		UserID string `toml:"user_id"`
		Label  string `toml:"label"`
	} `toml:"keys"`
}

// LoadAPIKeysFromFiles loads API keys from every .toml file in the
// credentials directory into the auth storage. Missing directory is not
// an error; the server just starts with no resolvable identities.
func (m *Manager) LoadAPIKeysFromFiles(ctx context.Context, dirPath string) error {
	if dirPath == "" {
		return nil
	}

	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		m.logger.Debug().Str("dir", dirPath).Msg("Credentials directory not found, skipping API key load")
		return nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("dir", dirPath).Msg("Failed to read credentials directory")
		return nil
	}

	loadedCount := 0
	errorCount := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		path := filepath.Join(dirPath, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn().Err(err).Str("file", path).Msg("Failed to read credentials file")
			errorCount++
			continue
		}

		var file apiKeyFile
		if err := toml.Unmarshal(content, &file); err != nil {
			m.logger.Warn().Err(err).Str("file", path).Msg("Failed to parse credentials file")
			errorCount++
			continue
		}

		for _, key := range file.Keys {
			if key.Token == "" || key.UserID == "" {
				m.logger.Warn().Str("file", path).Msg("Skipping API key without token or user_id")
				errorCount++
				continue
			}
			record := &models.APIKey{
				Token:     key.Token,
				UserID:    key.UserID,
				Label:     key.Label,
				CreatedAt: time.Now(),
			}
			if err := m.apiKeys.SaveAPIKey(ctx, record); err != nil {
				m.logger.Warn().Err(err).Str("file", path).Msg("Failed to store API key")
				errorCount++
				continue
			}
			loadedCount++
		}
	}

	m.logger.Info().
		Int("loaded", loadedCount).
		Int("errors", errorCount).
		Str("dir", dirPath).
		Msg("Finished loading API keys")

	return nil
}
