package marketplace

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"datasync/internal/models"
)

var ErrNoSource = errors.New("product has no source listing")

type ProductStore interface {
	FindByID(ctx context.Context, id uint) (*models.Product, error)
	ApplyListing(ctx context.Context, id uint, listing models.Listing) error
}

type ListingFetcher interface {
	FetchListing(ctx context.Context, sourceURL string) (*models.Listing, error)
}

// Syncer refreshes one product's price and inventory from its listing. Applying
// a listing overwrites the synced fields, so repeated runs are harmless.
type Syncer struct {
	products ProductStore
	fetcher  ListingFetcher
	logger   *zap.Logger
}

func NewSyncer(products ProductStore, fetcher ListingFetcher, logger *zap.Logger) *Syncer {
	return &Syncer{products: products, fetcher: fetcher, logger: logger}
}

func (s *Syncer) UpdateProduct(ctx context.Context, productID uint) error {
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return err
	}
	if product.SourceURL == "" {
		return ErrNoSource
	}

	listing, err := s.fetcher.FetchListing(ctx, product.SourceURL)
	if err != nil {
		return err
	}
	if err := s.products.ApplyListing(ctx, product.ID, *listing); err != nil {
		return fmt.Errorf("apply listing: %w", err)
	}

	s.logger.Debug("product synced",
		zap.Uint("product_id", product.ID),
		zap.Float64("price", listing.Price),
		zap.Int("inventory", listing.Inventory),
	)
	return nil
}
