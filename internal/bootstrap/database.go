package bootstrap

import (
	"fmt"

	"gorm.io/gorm"

	"datasync/internal/models"
)

// Migrate ensures required tables exist.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

func allModels() []interface{} {
	return []interface{}{
		// Catalog
		&models.Shop{},
		&models.Product{},
		&models.RecentActivity{},
		// Sync jobs
		&models.Job{},
		&models.JobError{},
		&models.BatchCompletion{},
	}
}

// SeedDemo inserts a demo shop with products pointing at the scraper so a fresh
// development database has something to sync. Existing rows are left alone.
func SeedDemo(db *gorm.DB, shopName string, products int) (*models.Shop, error) {
	var shop models.Shop
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(models.Shop{Name: shopName}).
			Attrs(models.Shop{IsActive: true}).
			FirstOrCreate(&shop).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Product{}).Where("shop_id = ?", shop.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		rows := make([]models.Product, 0, products)
		for i := 1; i <= products; i++ {
			rows = append(rows, models.Product{
				ShopID:    shop.ID,
				SKU:       fmt.Sprintf("DEMO-%03d", i),
				Title:     fmt.Sprintf("Demo product %d", i),
				SourceURL: fmt.Sprintf("https://example.com/listing/%d", i),
				Available: true,
			})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("seed demo failed: %w", err)
	}
	return &shop, nil
}
