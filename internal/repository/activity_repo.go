package repository

import (
	"context"

	"gorm.io/gorm"

	"datasync/internal/models"
)

// Activity types written by the sync pipeline.
const (
	ActivitySyncStarted  = "sync_started"
	ActivitySyncFinished = "sync_finished"
)

// ActivityRepository stores the merchant-visible activity feed.
type ActivityRepository struct {
	db *gorm.DB
}

func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) Log(ctx context.Context, shopID uint, kind, description string) error {
	return r.db.WithContext(ctx).Create(&models.RecentActivity{
		ShopID:      shopID,
		Type:        kind,
		Description: description,
	}).Error
}

// Recent returns the newest entries for a shop.
func (r *ActivityRepository) Recent(ctx context.Context, shopID uint, limit int) ([]models.RecentActivity, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []models.RecentActivity
	err := r.db.WithContext(ctx).
		Where("shop_id = ?", shopID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
