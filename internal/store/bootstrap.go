package store

import (
	"encoding/json"
	"fmt"
	"os"

	"cage/pkg/models"
)

// ImportBootstrapUsers seeds the users table from a flat JSON file the first
// time the orchestrator starts against an empty database. It is a no-op if
// users already exist, so it is always safe to pass the same path on every
// boot.
func (s *Store) ImportBootstrapUsers(path string) (int, error) {
	if path == "" {
		return 0, nil
	}

	var existing int64
	if err := s.DB.Model(&models.User{}).Count(&existing).Error; err != nil {
		return 0, fmt.Errorf("count existing users: %w", err)
	}
	if existing > 0 {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read bootstrap users file: %w", err)
	}

	var users []models.User
	if err := json.Unmarshal(data, &users); err != nil {
		return 0, fmt.Errorf("parse bootstrap users file: %w", err)
	}

	repo := s.Users()
	imported := 0
	for i := range users {
		u := users[i]
		if !models.ValidUserID(u.UserID) {
			return imported, fmt.Errorf("bootstrap user %d: invalid user_id %q", i, u.UserID)
		}
		if err := repo.Create(&u); err != nil {
			return imported, fmt.Errorf("import user %q: %w", u.UserID, err)
		}
		imported++
	}
	return imported, nil
}
