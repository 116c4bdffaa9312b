package models

import "time"

type StockRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID    int64     `gorm:"uniqueIndex;not null" json:"product_id"`
	OnHand       int32     `gorm:"not null;default:0" json:"on_hand"`
	Reserved     int32     `gorm:"not null;default:0" json:"reserved"`
	OnOrder      int32     `gorm:"not null;default:0" json:"on_order"`
	ReorderPoint int32     `gorm:"not null;default:0" json:"reorder_point"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StockMovement is the signed ledger of on_hand changes. Quantity is negative
// for decrements.
type StockMovement struct {
	ID            int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID     int64         `gorm:"not null;index" json:"product_id"`
	MovementType  MovementType  `gorm:"size:16;not null" json:"movement_type"`
	Quantity      int32         `gorm:"not null" json:"quantity"`
	ReferenceType ReferenceType `gorm:"size:16;not null;index:idx_movement_ref" json:"reference_type"`
	ReferenceID   int64         `gorm:"not null;index:idx_movement_ref" json:"reference_id"`
	Notes         string        `gorm:"size:255" json:"notes,omitempty"`
	CreatedBy     string        `gorm:"size:64" json:"created_by"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
}
