package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer is the snapshot identity attached to orders and sales.
type Customer struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string          `gorm:"size:128;not null" json:"name"`
	Email          *string         `gorm:"size:191;uniqueIndex" json:"email,omitempty"`
	Phone          string          `gorm:"size:20" json:"-"`
	TotalSpent     decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total_spent"`
	PurchaseCount  int32           `gorm:"not null;default:0" json:"purchase_count"`
	LoyaltyPoints  int64           `gorm:"not null;default:0" json:"loyalty_points"`
	LastPurchaseAt *time.Time      `json:"last_purchase_at,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
