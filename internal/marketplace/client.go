// Package marketplace refreshes products from the marketplace listings they are
// sourced from, through an external scraping service.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"datasync/internal/models"
	"datasync/internal/pkg/httpclient"
)

var ErrInvalidListing = errors.New("invalid listing")

// Client talks to the scraping service.
type Client struct {
	http *httpclient.Client
}

type scrapeRequest struct {
	URL string `json:"url"`
}

type scrapeResponse struct {
	Price     *float64 `json:"price"`
	Currency  string   `json:"currency"`
	Inventory int      `json:"inventory"`
	Available *bool    `json:"available"`
	Error     string   `json:"error"`
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	c := httpclient.New().WithBaseURL(strings.TrimRight(baseURL, "/"))
	if timeout > 0 {
		c.WithTimeout(timeout)
	}
	if apiKey != "" {
		c.WithBearerToken(apiKey)
	}
	return &Client{http: c}
}

// FetchListing scrapes the current price and stock of a listing.
func (c *Client) FetchListing(ctx context.Context, sourceURL string) (*models.Listing, error) {
	var resp scrapeResponse
	if err := c.http.PostJSON(ctx, "/scrape", scrapeRequest{URL: sourceURL}, &resp); err != nil {
		return nil, fmt.Errorf("scrape %s: %w", sourceURL, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("scrape %s: %w: %s", sourceURL, ErrInvalidListing, resp.Error)
	}
	if resp.Price == nil || *resp.Price < 0 {
		return nil, fmt.Errorf("scrape %s: %w: missing price", sourceURL, ErrInvalidListing)
	}

	listing := &models.Listing{
		Price:     *resp.Price,
		Currency:  strings.ToUpper(resp.Currency),
		Inventory: resp.Inventory,
		Available: resp.Inventory > 0,
	}
	if listing.Inventory < 0 {
		listing.Inventory = 0
	}
	if resp.Available != nil {
		listing.Available = *resp.Available
	}
	return listing, nil
}
