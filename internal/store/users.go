package store

import (
	"context"
	"time"

	"medconnect/internal/models"

	"gorm.io/gorm"
)

// UserStore 是已登记患者和医生的目录。
type UserStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

func (s *UserStore) Create(ctx context.Context, u *models.User) error {
	if u.ID <= 0 || !u.Role.Valid() {
		return ErrInvalidRecord
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = normalize(s.now())
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (s *UserStore) Get(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *UserStore) Exists(ctx context.Context, id int64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, translate(err)
	}
	return count > 0, nil
}
