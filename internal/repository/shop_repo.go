package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"datasync/internal/models"
)

var ErrShopNotFound = errors.New("shop not found")

// ShopRepository handles shop database operations.
type ShopRepository struct {
	db *gorm.DB
}

func NewShopRepository(db *gorm.DB) *ShopRepository {
	return &ShopRepository{db: db}
}

// FindByID returns a shop by ID.
func (r *ShopRepository) FindByID(ctx context.Context, id uint) (*models.Shop, error) {
	var shop models.Shop
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&shop).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShopNotFound
		}
		return nil, err
	}
	return &shop, nil
}

// FindByName returns a shop by its myshopify domain.
func (r *ShopRepository) FindByName(ctx context.Context, name string) (*models.Shop, error) {
	var shop models.Shop
	err := r.db.WithContext(ctx).Where("name = ?", strings.ToLower(strings.TrimSpace(name))).First(&shop).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShopNotFound
		}
		return nil, err
	}
	return &shop, nil
}

// FindOrCreateByName returns the shop registered under a myshopify domain,
// creating it on first sight.
func (r *ShopRepository) FindOrCreateByName(ctx context.Context, name string) (*models.Shop, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, ErrShopNotFound
	}
	var shop models.Shop
	err := r.db.WithContext(ctx).
		Where(models.Shop{Name: name}).
		Attrs(models.Shop{IsActive: true}).
		FirstOrCreate(&shop).Error
	if err != nil {
		return nil, err
	}
	return &shop, nil
}

// ListActive returns all active shops.
func (r *ShopRepository) ListActive(ctx context.Context) ([]models.Shop, error) {
	var shops []models.Shop
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&shops).Error
	return shops, err
}
