package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNumber     string          `gorm:"size:32;uniqueIndex;not null" json:"order_number"`
	OwnerKey        string          `gorm:"size:128;index" json:"-"`
	CustomerID      *int64          `gorm:"index" json:"customer_id,omitempty"`
	Status          OrderStatus     `gorm:"size:32;not null;index" json:"status"`
	PaymentStatus   PaymentStatus   `gorm:"size:16;not null" json:"payment_status"`
	PaymentMethod   PaymentMethod   `gorm:"size:32;not null" json:"payment_method"`
	SubtotalExVAT   decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"subtotal_ex_vat"`
	DiscountPct     decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0" json:"discount_pct"`
	DiscountAmount  decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"discount_amount"`
	TaxAmount       decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"tax_amount"`
	ShippingCost    decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"shipping_cost"`
	InstallationFee decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"installation_fee"`
	GrandTotal      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"grand_total"`
	BillingAddress  string          `gorm:"type:text" json:"billing_address"`
	ShippingAddress string          `gorm:"type:text" json:"shipping_address"`
	DeliveryDate    *time.Time      `json:"delivery_date,omitempty"`
	Carrier         string          `gorm:"size:64" json:"carrier,omitempty"`
	TrackingNumber  string          `gorm:"size:64" json:"tracking_number,omitempty"`
	Notes           string          `gorm:"type:text" json:"notes,omitempty"`
	GatewayReceipt  string          `gorm:"size:32" json:"gateway_receipt,omitempty"`
	StatusUpdatedAt *time.Time      `json:"status_updated_at,omitempty"`
	StatusUpdatedBy string          `gorm:"size:64" json:"status_updated_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Items    []OrderItem          `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	History  []OrderStatusHistory `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"history,omitempty"`
	Payments []Payment            `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"payments,omitempty"`
	Receipt  *Receipt             `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"receipt,omitempty"`
	Customer *Customer            `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
}

type OrderItem struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID           int64           `gorm:"not null;index" json:"order_id"`
	ProductID         int64           `gorm:"not null" json:"product_id"`
	Name              string          `gorm:"size:255;not null" json:"name"`
	SKU               string          `gorm:"size:64;not null" json:"sku"`
	Specs             string          `gorm:"type:text" json:"specs,omitempty"`
	OriginalUnitPrice decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"original_unit_price"`
	UnitPrice         decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"unit_price"`
	Quantity          int32           `gorm:"not null" json:"quantity"`
	LineTotal         decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"line_total"`
	CreatedAt         time.Time       `json:"created_at"`
}

type OrderStatusHistory struct {
	ID         int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID    int64       `gorm:"not null;index" json:"order_id"`
	PrevStatus OrderStatus `gorm:"size:32;not null" json:"prev_status"`
	NewStatus  OrderStatus `gorm:"size:32;not null" json:"new_status"`
	ChangedBy  string      `gorm:"size:64" json:"changed_by"`
	Notes      string      `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt  time.Time   `gorm:"not null" json:"created_at"`
}

type Receipt struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       int64     `gorm:"uniqueIndex;not null" json:"order_id"`
	ReceiptNumber string    `gorm:"size:32;uniqueIndex;not null" json:"receipt_number"`
	IssuedAt      time.Time `gorm:"not null" json:"issued_at"`
	ArtifactRef   *string   `gorm:"size:255" json:"artifact_ref,omitempty"`
	ContentType   string    `gorm:"size:64" json:"content_type,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Refund struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     int64           `gorm:"not null;index" json:"order_id"`
	Amount      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	Reason      string          `gorm:"type:text" json:"reason"`
	ProcessedBy string          `gorm:"size:64" json:"processed_by"`
	CreatedAt   time.Time       `json:"created_at"`
}
