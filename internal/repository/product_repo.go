package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"datasync/internal/models"
)

var ErrProductNotFound = errors.New("product not found")

// ProductRepository handles product database operations.
type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// ListEligibleIDs returns the ids of the shop's products that have a marketplace
// source, oldest first, capped at limit.
func (r *ProductRepository) ListEligibleIDs(ctx context.Context, shopID uint, limit int) ([]uint, error) {
	var ids []uint
	q := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("shop_id = ? AND source_url <> ''", shopID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// FindByID returns a product by ID.
func (r *ProductRepository) FindByID(ctx context.Context, id uint) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &product, nil
}

// Create creates a new product.
func (r *ProductRepository) Create(ctx context.Context, product *models.Product) error {
	return r.db.WithContext(ctx).Create(product).Error
}

// ApplyListing overwrites the synced fields of a product. Applying the same
// listing twice leaves the row unchanged apart from the sync timestamp.
func (r *ProductRepository) ApplyListing(ctx context.Context, id uint, listing models.Listing) error {
	res := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"price":          listing.Price,
			"currency":       listing.Currency,
			"inventory":      listing.Inventory,
			"available":      listing.Available,
			"last_synced_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProductNotFound
	}
	return nil
}
