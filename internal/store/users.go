package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"cage/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// UserRepository persists account records: resource limits, network policy,
// and the set of languages a user is permitted to run.
type UserRepository struct {
	db *gorm.DB
}

// Users returns a repository bound to s's database.
func (s *Store) Users() *UserRepository {
	return &UserRepository{db: s.DB}
}

func (r *UserRepository) Create(user *models.User) error {
	if !models.ValidUserID(user.UserID) {
		return fmt.Errorf("invalid user_id: %q", user.UserID)
	}
	return r.db.Create(user).Error
}

func (r *UserRepository) GetByUserID(userID string) (*models.User, error) {
	var user models.User
	err := r.db.Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) Update(user *models.User) error {
	return r.db.Save(user).Error
}

func (r *UserRepository) Disable(userID string) error {
	res := r.db.Model(&models.User{}).Where("user_id = ?", userID).Update("enabled", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) List(limit, offset int) ([]models.User, error) {
	var users []models.User
	err := r.db.Limit(limit).Offset(offset).Order("id").Find(&users).Error
	return users, err
}

// Delete removes a user record. Sessions it owns are not affected; callers
// must terminate them first.
func (r *UserRepository) Delete(userID string) error {
	res := r.db.Where("user_id = ?", userID).Delete(&models.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
