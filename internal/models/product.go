package models

import "time"

// Shop maps to the `shops` table. Name is the myshopify domain.
type Shop struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"column:name;size:255;uniqueIndex" json:"name"`
	IsActive  bool      `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Shop) TableName() string {
	return "shops"
}

// Product maps to the `products` table. SourceURL points at the marketplace
// listing the price and inventory are scraped from.
type Product struct {
	ID           uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ShopID       uint       `gorm:"column:shop_id;index" json:"shop_id"`
	SKU          string     `gorm:"column:sku;size:255;index" json:"sku"`
	Title        string     `gorm:"column:title;size:1000" json:"title"`
	SourceURL    string     `gorm:"column:source_url;size:2000" json:"source_url"`
	Price        float64    `gorm:"column:price;default:0" json:"price"`
	Currency     string     `gorm:"column:currency;size:10" json:"currency"`
	Inventory    int        `gorm:"column:inventory;default:0" json:"inventory"`
	Available    bool       `gorm:"column:available;default:true" json:"available"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// RecentActivity is a merchant-visible log line for a shop.
type RecentActivity struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ShopID      uint      `gorm:"column:shop_id;index" json:"shop_id"`
	Type        string    `gorm:"column:type;size:50" json:"type"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
}

func (RecentActivity) TableName() string {
	return "recent_activities"
}

// Listing is the price and stock snapshot scraped from a marketplace page.
type Listing struct {
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
	Inventory int     `json:"inventory"`
	Available bool    `json:"available"`
}
