package repository

import (
	"context"

	"github.com/finchbill/entitled/internal/event/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, db *gorm.DB, event *domain.LifecycleEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) InsertDeadLetter(ctx context.Context, db *gorm.DB, letter *domain.DeadLetter) error {
	return db.WithContext(ctx).Create(letter).Error
}
