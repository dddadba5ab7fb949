package domain

import (
	"context"

	"gorm.io/gorm"
)

// Repository persists normalized lifecycle events and dead letters.
type Repository interface {
	Append(ctx context.Context, db *gorm.DB, event *LifecycleEvent) error
	InsertDeadLetter(ctx context.Context, db *gorm.DB, letter *DeadLetter) error
}
